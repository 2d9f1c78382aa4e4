package counters

// Counters file layout.
const (
	HeaderLength       = 128
	ValueSlotLength    = 64
	MetadataSlotLength = 256

	// Magic identifies a counters file.
	Magic = "IPCDCNT\x00"
	// Version is bumped on any incompatible layout change.
	Version int32 = 1
)

// Header field offsets.
const (
	headerMagicOffset     = 0
	headerVersionOffset   = 8
	headerCapacityOffset  = 12
	headerPIDOffset       = 16
	headerStartTimeOffset = 24
)

// Metadata slot field offsets.
const (
	metaStateOffset          = 0
	metaTypeIDOffset         = 4
	metaRegistrationIDOffset = 8
	metaSessionIDOffset      = 16
	metaStreamIDOffset       = 20
	metaReuseDeadlineOffset  = 24
	metaLabelLengthOffset    = 32
	metaLabelOffset          = 48

	// MaxLabelLength is the label capacity of a metadata slot.
	MaxLabelLength = 200
)

// Slot states.
const (
	StateUnused    int32 = 0
	StateAllocated int32 = 1
	StateReclaimed int32 = -1
)

// FileLength returns the counters file size for capacity slots.
func FileLength(capacity int) int {
	return HeaderLength + capacity*(ValueSlotLength+MetadataSlotLength)
}

func valueOffset(id int32) int { return HeaderLength + int(id)*ValueSlotLength }

func metadataOffset(capacity int, id int32) int {
	return HeaderLength + capacity*ValueSlotLength + int(id)*MetadataSlotLength
}
