package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/ipcd/internal/driver"
	"github.com/rzbill/ipcd/internal/logbuffer"
	pebblestore "github.com/rzbill/ipcd/internal/storage/pebble"
	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// ErrNotFound is returned for registrations that are not archived.
var ErrNotFound = errors.New("archive: not found")

// Entry describes one archived log.
type Entry struct {
	RegistrationID int64     `json:"registrationId"`
	SessionID      int32     `json:"sessionId"`
	StreamID       int32     `json:"streamId"`
	Route          string    `json:"route"`
	Channel        string    `json:"channel,omitempty"`
	TermLength     int32     `json:"termLength"`
	TermCount      int32     `json:"termCount"`
	StartPosition  int64     `json:"startPosition"`
	EndPosition    int64     `json:"endPosition"`
	Frames         int64     `json:"frames"`
	Bytes          int64     `json:"bytes"`
	Created        time.Time `json:"created"`
	Deleted        time.Time `json:"deleted"`
	Archived       time.Time `json:"archived"`
}

// Frame is one archived DATA frame.
type Frame struct {
	Position int64
	Header   logbuffer.Header
	Payload  []byte
}

// Options configures Open.
type Options struct {
	Dir     string
	Fsync   pebblestore.FsyncMode
	Metrics pebblestore.MetricsHook
	Logger  logpkg.Logger
	// BatchFrames bounds the frames written per commit while archiving.
	BatchFrames int
}

// Archive keeps the frames of retired logs in Pebble.
type Archive struct {
	db          *pebblestore.DB
	logger      logpkg.Logger
	batchFrames int
}

// Open opens or creates the archive at opts.Dir.
func Open(opts Options) (*Archive, error) {
	if opts.Logger == nil {
		opts.Logger = logpkg.NewNopLogger()
	}
	if opts.BatchFrames <= 0 {
		opts.BatchFrames = 1024
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: opts.Dir,
		Fsync:   opts.Fsync,
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("archive: open %s: %w", opts.Dir, err)
	}
	return &Archive{db: db, logger: opts.Logger.With(logpkg.Component("archive")), batchFrames: opts.BatchFrames}, nil
}

// Close closes the underlying database.
func (a *Archive) Close() error { return a.db.Close() }

// retainedStart returns the first position still held by a closed log: the
// start of the oldest of its termCount partitions, clamped at zero.
func retainedStart(lb *logbuffer.LogBuffer) int64 {
	termID, _ := lb.RawTail(lb.ActiveTermIndex())
	oldest := termID - (lb.TermCount() - 1)
	if oldest < lb.InitialTermID() {
		return 0
	}
	return logbuffer.ComputePosition(oldest, 0, lb.PositionBitsToShift(), lb.InitialTermID())
}

// Store copies every retained DATA frame of the retired log into the archive.
// The log file is left in place.
func (a *Archive) Store(ctx context.Context, r driver.RetiredLog, now time.Time) (Entry, error) {
	lb, err := logbuffer.Open(r.Path, false)
	if err != nil {
		return Entry{}, fmt.Errorf("archive: open log %s: %w", r.Path, err)
	}
	defer lb.Close()

	e := Entry{
		RegistrationID: r.RegistrationID,
		SessionID:      r.SessionID,
		StreamID:       r.StreamID,
		Route:          r.Route,
		Channel:        r.Channel,
		TermLength:     lb.TermLength(),
		TermCount:      lb.TermCount(),
		StartPosition:  retainedStart(lb),
		EndPosition:    lb.ProducerPosition(),
		Created:        r.Created,
		Deleted:        r.Deleted,
		Archived:       now,
	}

	b := a.db.NewBatch()
	defer func() { b.Close() }()
	pending := 0
	var werr error
	position := e.StartPosition
	for position < e.EndPosition && werr == nil {
		next, _, err := lb.Scan(position, e.EndPosition, func(h logbuffer.Header, payload []byte) bool {
			framePos := logbuffer.ComputePosition(h.TermID, h.TermOffset, lb.PositionBitsToShift(), lb.InitialTermID())
			encoded := logbuffer.EncodeFrame(h, payload)
			if werr = b.Set(keyFrame(r.RegistrationID, framePos), encodeRecord(encoded[:logbuffer.HeaderLength], payload), nil); werr != nil {
				return false
			}
			e.Frames++
			e.Bytes += int64(len(payload))
			pending++
			if pending >= a.batchFrames {
				if werr = a.db.CommitBatch(ctx, b); werr != nil {
					return false
				}
				b.Close()
				b = a.db.NewBatch()
				pending = 0
			}
			return true
		})
		if errors.Is(err, logbuffer.ErrLapped) {
			// partition reused before the log was closed; resume at the next term
			mask := int64(lb.TermLength() - 1)
			next = (position &^ mask) + int64(lb.TermLength())
		} else if err != nil {
			return Entry{}, fmt.Errorf("archive: scan %s: %w", r.Path, err)
		}
		if next == position {
			break
		}
		position = next
	}
	if werr != nil {
		return Entry{}, fmt.Errorf("archive: write %d: %w", r.RegistrationID, werr)
	}

	meta, err := json.Marshal(e)
	if err != nil {
		return Entry{}, err
	}
	if err := b.Set(keyMeta(r.RegistrationID), meta, nil); err != nil {
		return Entry{}, err
	}
	if err := b.Set(keyAge(now.UnixMilli(), r.RegistrationID), nil, nil); err != nil {
		return Entry{}, err
	}
	if err := a.db.CommitBatch(ctx, b); err != nil {
		return Entry{}, fmt.Errorf("archive: commit %d: %w", r.RegistrationID, err)
	}
	a.logger.Info("log archived",
		logpkg.Int64("registration_id", r.RegistrationID),
		logpkg.Int64("frames", e.Frames),
		logpkg.Int64("bytes", e.Bytes))
	return e, nil
}

// Get returns the entry for registrationID.
func (a *Archive) Get(registrationID int64) (Entry, error) {
	raw, err := a.db.Get(keyMeta(registrationID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, fmt.Errorf("archive: decode entry %d: %w", registrationID, err)
	}
	return e, nil
}

// List returns every archived entry ordered by registration id.
func (a *Archive) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	var derr error
	err := a.db.Scan(metaPrefix, func(_, value []byte) bool {
		if derr = ctx.Err(); derr != nil {
			return false
		}
		var e Entry
		if derr = json.Unmarshal(value, &e); derr != nil {
			return false
		}
		out = append(out, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, derr
}

// Read returns up to limit frames of registrationID at or after from. A zero
// limit returns all of them.
func (a *Archive) Read(ctx context.Context, registrationID, from int64, limit int) ([]Frame, error) {
	prefix := keyFramePrefix(registrationID)
	iter, err := a.db.NewIter(nil)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []Frame
	for ok := iter.SeekGE(keyFrame(registrationID, from)); ok; ok = iter.Next() {
		key := iter.Key()
		if len(key) != len(prefix)+8 || string(key[:len(prefix)]) != string(prefix) {
			break
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		header, payload, ok := decodeRecord(iter.Value())
		if !ok {
			return out, fmt.Errorf("archive: corrupt frame record at %d", framePosition(key))
		}
		h, _, err := logbuffer.DecodeFrame(append(header, payload...))
		if err != nil {
			return out, fmt.Errorf("archive: frame at %d: %w", framePosition(key), err)
		}
		out = append(out, Frame{Position: framePosition(key), Header: h, Payload: payload})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Delete removes one archived log.
func (a *Archive) Delete(ctx context.Context, registrationID int64) error {
	e, err := a.Get(registrationID)
	if err != nil {
		return err
	}
	b := a.db.NewBatch()
	defer b.Close()
	if err := a.deleteInto(b, e); err != nil {
		return err
	}
	return a.db.CommitBatch(ctx, b)
}

func (a *Archive) deleteInto(b *pebble.Batch, e Entry) error {
	prefix := keyFramePrefix(e.RegistrationID)
	if err := b.DeleteRange(prefix, pebblestore.PrefixEnd(prefix), nil); err != nil {
		return err
	}
	if err := b.Delete(keyMeta(e.RegistrationID), nil); err != nil {
		return err
	}
	return b.Delete(keyAge(e.Archived.UnixMilli(), e.RegistrationID), nil)
}

// PruneOlderThan deletes logs archived before cutoff, committing up to batch
// logs per write. It returns how many logs were removed.
func (a *Archive) PruneOlderThan(ctx context.Context, cutoff time.Time, batch int) (int, error) {
	if batch <= 0 {
		batch = 256
	}
	cutoffMs := cutoff.UnixMilli()
	var expired []int64
	err := a.db.Scan(agePrefix, func(key, _ []byte) bool {
		ms, regID, ok := parseAgeKey(key)
		if !ok {
			return true
		}
		if ms >= cutoffMs {
			return false
		}
		expired = append(expired, regID)
		return true
	})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for start := 0; start < len(expired); start += batch {
		b := a.db.NewBatch()
		for _, regID := range expired[start:min(start+batch, len(expired))] {
			e, err := a.Get(regID)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err == nil {
				err = a.deleteInto(b, e)
			}
			if err != nil {
				b.Close()
				return pruned, err
			}
			pruned++
		}
		if err := a.db.CommitBatch(ctx, b); err != nil {
			b.Close()
			return pruned, err
		}
		b.Close()
	}
	if pruned > 0 {
		a.logger.Info("archive pruned", logpkg.Int("logs", pruned), logpkg.F("cutoff", cutoff))
	}
	return pruned, nil
}
