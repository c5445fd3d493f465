package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"taskloop/internal/task/engine"
	logx "taskloop/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
}

// Submitter is the engine surface the scheduler needs.
type Submitter interface {
	Submit(t engine.Task) (string, error)
}

type scheduleDef struct {
	id            string
	name          string
	spec          string // cron spec or @every
	template      engine.Task
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules
}

type onceDef struct {
	at  time.Time
	ver uint64
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	loc   *time.Location
	clock clockwork.Clock

	engine Submitter

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Submit error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// one-shot triggers already handed to the engine; ver invalidates
	// replaced or removed ones when their deadline comes up.
	omu     sync.Mutex
	once    map[string]onceDef
	onceSeq uint64

	fired uint64
}

type ScheduleInfo struct {
	ID     string
	Name   string
	Spec   string
	Spread time.Duration
	Next   time.Time
	Prev   time.Time
}

type OnceInfo struct {
	Name string
	At   time.Time
}

type Snapshot struct {
	Enabled   bool
	Running   bool
	Timezone  string
	Fired     uint64
	Schedules []ScheduleInfo
	Once      []OnceInfo
}
