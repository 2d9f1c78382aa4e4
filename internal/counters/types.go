package counters

// Counter type ids.
const (
	PublisherLimitTypeID     int32 = 1
	PublisherPositionTypeID  int32 = 2
	ReceiverHwmTypeID        int32 = 3
	SubscriberPositionTypeID int32 = 4
	SystemCounterTypeID      int32 = 5
)

// TypeName returns the short name used in labels and metrics.
func TypeName(typeID int32) string {
	switch typeID {
	case PublisherLimitTypeID:
		return "pub-lmt"
	case PublisherPositionTypeID:
		return "pub-pos"
	case ReceiverHwmTypeID:
		return "rcv-hwm"
	case SubscriberPositionTypeID:
		return "sub-pos"
	case SystemCounterTypeID:
		return "sys"
	default:
		return "unknown"
	}
}
