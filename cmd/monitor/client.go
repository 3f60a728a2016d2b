package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"yardkit/internal/domain"
)

// client reads the yardkit serve API.
type client struct {
	baseURL string
	http    *http.Client
}

// lockRow mirrors the /locks payload: a held lock plus the holder verdict.
type lockRow struct {
	domain.Lock
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

// poolView mirrors the /workspaces payload.
type poolView struct {
	Kind     string             `json:"kind"`
	Capacity int                `json:"capacity"`
	Leased   []domain.Workspace `json:"leased"`
}

func newClient(baseURL string) *client {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *client) listRuns(taskID string, limit int) ([]domain.RunRecord, error) {
	q := url.Values{}
	q.Set("limit", fmt.Sprint(limit))
	if taskID != "" {
		q.Set("task", taskID)
	}
	var out []domain.RunRecord
	if err := c.getJSON("/runs?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) getRun(runID string) (domain.RunRecord, error) {
	var out domain.RunRecord
	if err := c.getJSON("/runs/"+url.PathEscape(runID), &out); err != nil {
		return domain.RunRecord{}, err
	}
	return out, nil
}

func (c *client) listRunEvents(runID string) ([]domain.Event, error) {
	var out []domain.Event
	if err := c.getJSON("/runs/"+url.PathEscape(runID)+"/events", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listLocks() ([]lockRow, error) {
	var out []lockRow
	if err := c.getJSON("/locks", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listWorkspaces() (poolView, error) {
	var out poolView
	if err := c.getJSON("/workspaces", &out); err != nil {
		return poolView{}, err
	}
	return out, nil
}

func (c *client) waitHealth(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := c.http.Get(c.baseURL + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode < 300 {
				return nil
			}
		}
		time.Sleep(400 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for /healthz")
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return err
	}
	return nil
}
