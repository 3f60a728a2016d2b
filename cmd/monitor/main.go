package main

import (
	"bytes"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"yardkit/internal/domain"
)

type embeddedServer struct {
	cmd *exec.Cmd
	out bytes.Buffer
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "yardkit serve base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	limit := flag.Int("limit", 100, "maximum runs listed")
	embedded := flag.Bool("embedded", false, "start `yardkit serve` for the lifetime of the monitor")
	yardkitBinary := flag.String("yardkit-bin", "", "path to the yardkit binary (embedded mode)")
	configPath := flag.String("config", "", "yardkit config passed to the embedded server")
	flag.Parse()

	c := newClient(*addr)

	if *embedded {
		proc, err := startEmbeddedServer(*addr, *yardkitBinary, *configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start yardkit serve: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := c.waitHealth(30 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "yardkit health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	runsTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	runsTable.SetTitle("Runs (Enter inspect, F5 refresh, F10 quit)").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	summaryView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true)
	summaryView.SetTitle("Summary").SetBorder(true)

	locksView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	locksView.SetTitle("Locks and workspaces").SetBorder(true)

	filterInput := tview.NewInputField().
		SetLabel("Task filter: ")
	filterInput.SetBorder(true).SetTitle("Enter = apply, empty = all tasks")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | embedded=%t | shortcuts: F10 quit, F5 refresh, Ctrl+F filter, Ctrl+R runs",
		c.baseURL,
		*embedded,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(summaryView, 11, 0, false).
		AddItem(eventsView, 0, 3, false).
		AddItem(locksView, 0, 1, false)

	mainLayout := tview.NewFlex().
		AddItem(runsTable, 0, 1, true).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, true).
		AddItem(filterInput, 3, 0, false).
		AddItem(statusView, 3, 0, false)

	var (
		selectedRunID  string
		taskFilter     atomic.Value
		lastRuns       []domain.RunRecord
		detailsVersion uint64
	)
	taskFilter.Store("")

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}

	refreshRuns := func() {
		runs, err := c.listRuns(taskFilter.Load().(string), *limit)
		if err != nil {
			app.QueueUpdateDraw(func() {
				runsTable.Clear()
				runsTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		app.QueueUpdateDraw(func() {
			lastRuns = runs
			renderRunsTable(runsTable, runs, selectedRunID)
		})
	}

	refreshLocks := func() {
		locks, err := c.listLocks()
		pool, poolErr := c.listWorkspaces()
		app.QueueUpdateDraw(func() {
			var text string
			if err != nil {
				text = fmt.Sprintf("error: %v\n", err)
			} else {
				text = renderLocks(locks)
			}
			if poolErr != nil {
				text += fmt.Sprintf("\nworkspaces error: %v", poolErr)
			} else {
				text += "\n" + renderPool(pool)
			}
			locksView.SetText(text)
		})
	}

	refreshDetailsAsync := func(runID string) {
		if strings.TrimSpace(runID) == "" {
			return
		}
		version := atomic.AddUint64(&detailsVersion, 1)

		go func(selected string, v uint64) {
			type runResult struct {
				rec domain.RunRecord
				err error
			}
			type eventsResult struct {
				items []domain.Event
				err   error
			}
			runCh := make(chan runResult, 1)
			eventsCh := make(chan eventsResult, 1)
			go func() {
				rec, err := c.getRun(selected)
				runCh <- runResult{rec: rec, err: err}
			}()
			go func() {
				items, err := c.listRunEvents(selected)
				eventsCh <- eventsResult{items: items, err: err}
			}()
			runRes := <-runCh
			eventsRes := <-eventsCh

			if atomic.LoadUint64(&detailsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				if selected != selectedRunID {
					return
				}
				if runRes.err != nil {
					summaryView.SetText(fmt.Sprintf("error: %v", runRes.err))
				} else {
					summaryView.SetText(renderSummary(runRes.rec))
				}
				if eventsRes.err != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", eventsRes.err))
				} else {
					eventsView.SetText(renderEvents(eventsRes.items))
					eventsView.ScrollToEnd()
				}
			})
		}(runID, version)
	}

	refreshAll := func() {
		refreshRuns()
		refreshLocks()
		refreshDetailsAsync(selectedRunID)
	}

	filterInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		filter := strings.TrimSpace(filterInput.GetText())
		taskFilter.Store(filter)
		app.SetFocus(runsTable)
		if filter == "" {
			setStatusUI("Showing all tasks")
		} else {
			setStatusUI("Showing runs of " + filter)
		}
		go refreshRuns()
	})

	runsTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastRuns) {
			return
		}
		selectedRunID = lastRuns[row-1].RunID
		summaryView.SetText("Loading...")
		eventsView.SetText("Loading...")
		refreshDetailsAsync(selectedRunID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go refreshAll()
			setStatusUI("Manual refresh requested")
			return nil
		case tcell.KeyCtrlF:
			app.SetFocus(filterInput)
			setStatusUI("Focus -> filter")
			return nil
		case tcell.KeyCtrlR, tcell.KeyEscape:
			app.SetFocus(runsTable)
			setStatusUI("Focus -> runs")
			return nil
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()

		refreshAll()
		for range ticker.C {
			refreshAll()
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(runsTable).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

// startEmbeddedServer runs `yardkit serve` on the port of addr.
func startEmbeddedServer(addr, yardkitBinary, configPath string) (*embeddedServer, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}

	args := []string{"serve", "--addr", ":" + port}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(yardkitBinary) != "" {
		cmd = exec.Command(yardkitBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			sibling := filepath.Join(filepath.Dir(self), "yardkit")
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/yardkit"}, args...)...)
			cwd, _ := os.Getwd()
			cmd.Dir = cwd
		}
	}

	proc := &embeddedServer{cmd: cmd}
	cmd.Stdout = &proc.out
	cmd.Stderr = &proc.out
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start yardkit serve: %w", err)
	}
	return proc, nil
}

func (e *embeddedServer) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
