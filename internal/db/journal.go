package db

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"poll-monitoring/internal/logger"
	"poll-monitoring/internal/models"
	"poll-monitoring/internal/poll"
	"poll-monitoring/internal/reconciler"
)

// JournalBufferSize bounds the rows waiting to be written.
const JournalBufferSize = 1024

// Journal records applied events and surfaced errors. It is an audit trail
// only; the view is never rebuilt from it. Writes happen on a background
// goroutine so the reconciler lock is never held across a database call.
type Journal struct {
	db      *gorm.DB
	log     *logger.Logger
	rows    chan interface{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	now     func() time.Time
}

// NewJournal starts the writer. db must not be nil.
func NewJournal(db *gorm.DB, log *logger.Logger) *Journal {
	j := &Journal{
		db:   db,
		log:  log,
		rows: make(chan interface{}, JournalBufferSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go j.run()
	return j
}

var _ reconciler.Observer = (*Journal)(nil)

// Observed journals events that changed the view.
func (j *Journal) Observed(ev poll.Event, outcome reconciler.Outcome) {
	if outcome != reconciler.Applied {
		return
	}
	j.enqueue(eventRow(ev, j.now()))
}

// Reported journals surfaced errors.
func (j *Journal) Reported(err error) {
	j.enqueue(violationRow(err, j.now()))
}

// Dropped returns how many rows were discarded because the buffer was full.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

func (j *Journal) enqueue(row interface{}) {
	select {
	case <-j.quit:
		return
	default:
	}
	select {
	case j.rows <- row:
	default:
		j.dropped.Add(1)
	}
}

func (j *Journal) run() {
	defer close(j.done)
	for {
		select {
		case row := <-j.rows:
			j.write(row)
		case <-j.quit:
			for {
				select {
				case row := <-j.rows:
					j.write(row)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(row interface{}) {
	var err error
	switch r := row.(type) {
	case *models.JournalEvent:
		// a resync can re-apply an event pruned from the ledger
		err = j.db.Clauses(clause.OnConflict{DoNothing: true}).Create(r).Error
	case *models.JournalViolation:
		err = j.db.Create(r).Error
	}
	if err != nil {
		j.log.With("journal").WithError(err).Error("journal write failed")
	}
}

// Close flushes queued rows and stops the writer.
func (j *Journal) Close() error {
	j.once.Do(func() { close(j.quit) })
	<-j.done
	return nil
}

func eventRow(ev poll.Event, now time.Time) *models.JournalEvent {
	row := &models.JournalEvent{
		Block:      ev.Position.Block,
		LogIndex:   ev.Position.Index,
		TxHash:     ev.TxHash,
		Kind:       ev.Kind.String(),
		PollID:     uint64(ev.PollID),
		ObservedAt: now,
	}
	switch ev.Kind {
	case poll.KindCreated:
		row.Question = ev.Question
		if b, err := json.Marshal(ev.Options); err == nil {
			row.Options = string(b)
		}
	case poll.KindCast:
		row.OptionIndex = ev.OptionIndex
		row.NewCount = ev.NewCount
	}
	return row
}

func violationRow(err error, now time.Time) *models.JournalViolation {
	row := &models.JournalViolation{Kind: "other", Reason: err.Error(), ObservedAt: now}
	var cv *poll.ConsistencyViolation
	var de *poll.DecodeError
	switch {
	case errors.As(err, &cv):
		row.Kind = "consistency"
		row.Block = cv.Position.Block
		row.LogIndex = cv.Position.Index
		row.PollID = uint64(cv.PollID)
		row.Reason = cv.Reason
	case errors.As(err, &de):
		row.Kind = "decode"
		row.PollID = uint64(de.PollID)
		row.Reason = de.Reason
	}
	return row
}
