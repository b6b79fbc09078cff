package download

import "errors"

var (
	// ErrRequest marks a rejected or failed download request submission.
	ErrRequest = errors.New("download request failed")
	// ErrDownload marks a failed archive transfer or unreadable archive.
	ErrDownload = errors.New("archive download failed")
	// ErrTaskUnusable marks a task whose link is stale by local estimate or
	// was found expired while downloading. Callers re-request.
	ErrTaskUnusable = errors.New("download task unusable")
)
