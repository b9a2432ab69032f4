package types

import "time"

type Offering struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	FilePath string `json:"filePath,omitempty"`
}

type Peer struct {
	DisplayName string    `json:"displayName"`
	IP          string    `json:"ip"`
	Offering    *Offering `json:"offering"`
	LastSeen    time.Time `json:"lastSeen"`

	// LocalIP is the address of our interface the last heartbeat arrived on.
	// Empty when the platform does not report it.
	LocalIP string `json:"-"`
}

// Announcement is the discovery datagram payload.
type Announcement struct {
	DisplayName string    `json:"displayName"`
	IP          string    `json:"ip"`
	Offering    *Offering `json:"offering"`
}

type FileEntry struct {
	RelativePath string `json:"relativePath"`
	AbsolutePath string `json:"absolutePath"`
	Size         int64  `json:"size"`
}

const TypeRequestFile = "request_file"

type ControlRequest struct {
	Type     string `json:"type"`
	FileName string `json:"fileName"`
}

// TransferDescriptor is the capability handed to a requester after approval.
type TransferDescriptor struct {
	Token     string `json:"token"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	FilePath  string `json:"filePath"`
	IsBatch   bool   `json:"isBatch"`
	FileCount int    `json:"fileCount,omitempty"`
}

type ControlResponse struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`

	*TransferDescriptor
}

type Handshake struct {
	Token    string `json:"token"`
	StartSeq int64  `json:"startSeq"`
}

type HandshakeError struct {
	Error string `json:"error"`
}

type TransferStatus string

const (
	StatusPending  TransferStatus = "pending"
	StatusActive   TransferStatus = "active"
	StatusPaused   TransferStatus = "paused"
	StatusComplete TransferStatus = "complete"
	StatusError    TransferStatus = "error"
)

type TransferState struct {
	Filename         string         `json:"filename"`
	Size             int64          `json:"size"`
	Progress         int64          `json:"progress"`
	Speed            float64        `json:"speed"`
	Status           TransferStatus `json:"status"`
	Error            string         `json:"error,omitempty"`
	IsBatch          bool           `json:"isBatch,omitempty"`
	CurrentFileIndex int            `json:"currentFileIndex,omitempty"`
	TotalFiles       int            `json:"totalFiles,omitempty"`
	SavePath         string         `json:"savePath,omitempty"`
}
