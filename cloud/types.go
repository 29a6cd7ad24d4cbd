package cloud

import "encoding/json"

// UploadRequest is the payload for POST /sync/upload.
type UploadRequest struct {
	UserID        string `json:"userId"`
	DataType      string `json:"dataType"`
	EncryptedData string `json:"encryptedData"`
	Version       int64  `json:"version"`
	Checksum      string `json:"checksum"`
}

// UploadResponse is returned from POST /sync/upload.
type UploadResponse struct {
	Version int64 `json:"version"`
}

// Row is one stored payload returned by GET /sync/download.
type Row struct {
	DataType      string `json:"dataType"`
	EncryptedData string `json:"encryptedData"`
	Version       int64  `json:"version"`
	Checksum      string `json:"checksum"`
	Timestamp     int64  `json:"timestamp"`
}

// DownloadResponse is returned from GET /sync/download.
type DownloadResponse struct {
	Data []Row `json:"data"`
}

// DeleteRequest is the payload for DELETE /sync/delete. An empty
// DataType removes every row of the user.
type DeleteRequest struct {
	UserID   string `json:"userId"`
	DataType string `json:"dataType,omitempty"`
}

// Snapshot is a whole encrypted bundle. POST /sync takes the ID field;
// GET /sync/{syncId} returns Data and Timestamp.
type Snapshot struct {
	ID        string `json:"id,omitempty"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// ChangeEvent is sent on the /sync/events websocket after each upload.
type ChangeEvent struct {
	UserID   string `json:"userId"`
	DataType string `json:"dataType"`
	Version  int64  `json:"version"`
}

// APIError represents an error response from the sync server.
type APIError struct {
	Error string `json:"error"`
}

// Envelope wraps one entity inside a decrypted data-type payload so each
// entity can be verified on its own after decryption.
type Envelope struct {
	ID       string          `json:"id"`
	Checksum string          `json:"checksum"`
	Data     json.RawMessage `json:"data"`
}
