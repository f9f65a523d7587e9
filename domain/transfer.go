package domain

type TransferID string

type TransferStatus int

const (
	TransferPending TransferStatus = iota
	TransferRunning
	TransferCompleted
	TransferDeclined
	TransferCancelled
)

func (s TransferStatus) String() string {
	switch s {
	case TransferPending:
		return "pending"
	case TransferRunning:
		return "transferring"
	case TransferCompleted:
		return "completed"
	case TransferDeclined:
		return "declined"
	case TransferCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further state change is possible.
func (s TransferStatus) Terminal() bool {
	return s == TransferCompleted || s == TransferDeclined || s == TransferCancelled
}

type TransferDirection int

const (
	TransferOutbound TransferDirection = iota
	TransferInbound
)

// Transfer is one chunked file delivery between exactly one sender and
// one receiver. Broadcasting a file to N peers creates N independent
// Transfers over the same underlying byte source.
type Transfer struct {
	ID          TransferID
	FileName    string
	FileSize    int64
	FileType    string
	TotalChunks int
	ChunksSeen  int
	Status      TransferStatus
	PeerConnID  ConnID
	Direction   TransferDirection
}
