package trc

// Trace Indexing and Channel IDs

// Index is the byte offset of a unit of trace within the session input stream.
type Index uint64

const (
	// BadIndex is an invalid trace index value
	BadIndex Index = ^Index(0)

	// BadChannel is an invalid trace channel value
	BadChannel uint8 = 0xFF

	// MaxChannels is the number of addressable TPIU trace source IDs.
	MaxChannels = 128
)

// IsValidSrcID returns true if the TPIU trace source ID is in the valid range (0x0 < ID < 0x70)
func IsValidSrcID(id uint8) bool {
	return id > 0 && id < 0x70
}

// IsReservedSrcID returns true if the TPIU trace source ID is reserved (ID == 0 || 0x70 <= ID <= 0x7F)
func IsReservedSrcID(id uint8) bool {
	return id == 0 || (id >= 0x70 && id <= 0x7F)
}

// General Return and Error Codes

// Err represents the library error code type.
type Err uint32

const (
	OK                    Err = 0
	ErrFail               Err = 1
	ErrNotInit            Err = 2
	ErrInvalidID          Err = 3
	ErrInvalidParamVal    Err = 4
	ErrFileError          Err = 5
	ErrDfrmtrBadFhsync    Err = 6
	ErrFramingAux         Err = 7
	ErrBadPacketSeq       Err = 8
	ErrInvalidPcktHdr     Err = 9
	ErrIncompletePacket   Err = 10
	ErrTimestampAmbiguous Err = 11
	ErrEventsDropped      Err = 12
	ErrOflowChecksum      Err = 13
	ErrOflowFrame         Err = 14
	ErrSourceFailed       Err = 15
	ErrLast               Err = 16
)

// ErrSeverity is used to indicate the severity of an error or diagnostic.
type ErrSeverity uint32

const (
	ErrSevNone  ErrSeverity = 0
	ErrSevError ErrSeverity = 1
	ErrSevWarn  ErrSeverity = 2
	ErrSevInfo  ErrSeverity = 3
)

func (s ErrSeverity) String() string {
	switch s {
	case ErrSevError:
		return "error"
	case ErrSevWarn:
		return "warn"
	case ErrSevInfo:
		return "info"
	default:
		return "none"
	}
}

// TPIU frame constants

const (
	FrameSize     = 16
	FsyncPattern  = uint32(0x7FFFFFFF) // little endian FF FF FF 7F
	HsyncPattern  = uint16(0x7FFF)     // little endian FF 7F
	FrameAuxIndex = 15
)
