package protocol

import "github.com/bytebundle/bytebundle/pkg/manifest"

// Message type tags. Every inbound envelope carries exactly one of these.
const (
	TypeCapabilities    = "capabilities"
	TypeTransferBegin   = "transfer_begin"
	TypeChunk           = "chunk"
	TypeFileDone        = "file_done"
	TypeFileRequest     = "file_request"
	TypeManifestOffer   = "manifest_offer"
	TypeRecoveryRequest = "recovery_request"
	TypeTransferDone    = "transfer_done"
	TypeCancel          = "cancel"
	TypeError           = "error"
)

// KnownTypes lists every message type a peer may send, in dispatch order.
// The dispatch registry refuses kinds outside this set.
var KnownTypes = []string{
	TypeCapabilities,
	TypeTransferBegin,
	TypeChunk,
	TypeFileDone,
	TypeFileRequest,
	TypeManifestOffer,
	TypeRecoveryRequest,
	TypeTransferDone,
	TypeCancel,
	TypeError,
}

// ChannelCapabilities is a snapshot one peer sends describing what it intends
// to transfer and what it can sustain.
type ChannelCapabilities struct {
	OwnerID           string `json:"owner_id"`
	FileCount         int    `json:"file_count"`
	LargeFileCount    int    `json:"large_file_count"`
	SmallFileCount    int    `json:"small_file_count"`
	AvailableMemoryMB int64  `json:"available_memory_mb"`
	TotalDataMB       int64  `json:"total_data_mb"`
	RequestedChannels int    `json:"requested_channels"`
}

// TransferBegin announces a transfer for an entity: the full expected file set
// and how files are partitioned across logical channels.
type TransferBegin struct {
	TransferID       string           `json:"transfer_id"`
	OwnerID          string           `json:"owner_id"`
	ExpectedFiles    []string         `json:"expected_files"`
	ChannelPartition map[int][]string `json:"channel_partition"`
	ChannelCount     int              `json:"channel_count"`

	// Blobs holds the entity's metadata; it rides the control stream
	// rather than the chunk channels because it is tiny.
	Blobs manifest.MetadataBlobs `json:"blobs"`
}

// Chunk carries one slice of a file's content. PayloadCRC is the CRC32C of
// Payload; FileHash is the xxhash64 hex digest of the whole file.
type Chunk struct {
	SessionID    string `json:"session_id"`
	FileName     string `json:"file_name"`
	ChunkIndex   int    `json:"chunk_index"`
	TotalChunks  int    `json:"total_chunks"`
	Payload      []byte `json:"payload"`
	PayloadCRC   uint32 `json:"payload_crc"`
	FileHash     string `json:"file_hash"`
	ChannelIndex int    `json:"channel_index"`
}

// FileDone reports receiver-side completion (or terminal failure) of one file.
type FileDone struct {
	OwnerID      string `json:"owner_id"`
	Path         string `json:"path"`
	ChannelIndex int    `json:"channel_index"`
	OK           bool   `json:"ok"`
	ErrMsg       string `json:"err_msg,omitempty"`
}

// FileRequest asks the remote side to (re)send the named files.
type FileRequest struct {
	OwnerID string   `json:"owner_id"`
	Paths   []string `json:"paths"`
}

// RecoveryRequest enumerates what the sender of this message already holds so
// the remote side can resume with only the remainder.
type RecoveryRequest struct {
	TransferID       string            `json:"transfer_id"`
	OwnerID          string            `json:"owner_id"`
	CompletedFiles   []string          `json:"completed_files"`
	FileHashes       map[string]string `json:"file_hashes"`
	BytesTransferred uint64            `json:"bytes_transferred"`
}

// TransferDone reports receiver-side completion of a whole entity transfer.
type TransferDone struct {
	TransferID string `json:"transfer_id"`
	OwnerID    string `json:"owner_id"`
	OK         bool   `json:"ok"`
	ErrMsg     string `json:"err_msg,omitempty"`
}

// Cancel aborts an in-progress entity transfer.
type Cancel struct {
	TransferID string `json:"transfer_id"`
	OwnerID    string `json:"owner_id"`
	Reason     string `json:"reason,omitempty"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
