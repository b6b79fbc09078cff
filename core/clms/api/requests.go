package api

import (
	"context"
	"fmt"
	"net/http"
)

// Raw task statuses reported by @datarequest_search.
const (
	StatusQueued      = "Queued"
	StatusInProgress  = "In_progress"
	StatusFinishedOK  = "Finished_ok"
	StatusFinishedNOK = "Finished_nok"
	StatusCancelled   = "Cancelled"
	StatusRejected    = "Rejected"
)

type DatasetRef struct {
	DatasetID string `json:"DatasetID"`
	FileID    string `json:"FileID"`
}

type requestBody struct {
	Datasets []DatasetRef `json:"Datasets"`
}

type requestResponse struct {
	TaskIDs []struct {
		TaskID string `json:"TaskID"`
	} `json:"TaskIds"`
}

// TaskRecord is one entry of the @datarequest_search response. Every field
// is optional; the endpoint is unreliable for historical requests.
type TaskRecord struct {
	Status               string       `json:"Status"`
	DownloadURL          string       `json:"DownloadURL"`
	FileSize             int64        `json:"FileSize"`
	FinalizationDateTime string       `json:"FinalizationDateTime"`
	Datasets             []DatasetRef `json:"Datasets"`
}

// RequestDownload submits one dataset file for packaging and returns the task id.
func (c *Client) RequestDownload(ctx context.Context, datasetUID, fileID string) (string, error) {
	body := requestBody{Datasets: []DatasetRef{{DatasetID: datasetUID, FileID: fileID}}}
	var resp requestResponse
	if err := c.do(ctx, "request download", http.MethodPost, c.endpoint(endpointRequestPost), body, true, &resp); err != nil {
		return "", err
	}
	if len(resp.TaskIDs) != 1 || resp.TaskIDs[0].TaskID == "" {
		return "", fmt.Errorf("request download: expected 1 task id, got %d", len(resp.TaskIDs))
	}
	return resp.TaskIDs[0].TaskID, nil
}

// SearchTasks lists the caller's download tasks keyed by task id.
func (c *Client) SearchTasks(ctx context.Context) (map[string]TaskRecord, error) {
	out := map[string]TaskRecord{}
	if err := c.do(ctx, "search tasks", http.MethodGet, c.endpoint(endpointRequestSearch), nil, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteTask asks the server to cancel a task.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	body := map[string]string{"TaskID": taskID}
	return c.do(ctx, "delete task", http.MethodDelete, c.endpoint(endpointRequestDelete), body, true, nil)
}
