package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Component kinds tracked on the readiness board
const (
	KindService  = "service"
	KindInstance = "instance"
)

// ComponentState is the readiness of one service or instance
type ComponentState string

const (
	ComponentPending ComponentState = "pending"
	ComponentReady   ComponentState = "ready"
	ComponentFailed  ComponentState = "failed"
)

// Component is one service or instance of the running cluster
type Component struct {
	Kind   string         `json:"kind"`
	Name   string         `json:"name"`
	State  ComponentState `json:"state"`
	Detail string         `json:"detail,omitempty"`
	Since  time.Time      `json:"since"`
}

// Key is "<kind>/<name>"
func (c Component) Key() string {
	return componentKey(c.Kind, c.Name)
}

func componentKey(kind, name string) string {
	return kind + "/" + name
}

// Report is the body served on /health and /ready. Waiting lists required
// components that are not ready yet; Failed lists components that failed.
type Report struct {
	Ready      bool        `json:"ready"`
	Waiting    []string    `json:"waiting,omitempty"`
	Failed     []string    `json:"failed,omitempty"`
	Components []Component `json:"components"`
}

type readinessBoard struct {
	mu         sync.RWMutex
	components map[string]Component
	required   map[string]struct{}
}

func newBoard() *readinessBoard {
	return &readinessBoard{
		components: make(map[string]Component),
		required:   make(map[string]struct{}),
	}
}

var board = newBoard()

// Require adds a component /ready waits for
func Require(kind, name string) {
	board.mu.Lock()
	defer board.mu.Unlock()
	board.required[componentKey(kind, name)] = struct{}{}
}

// UpdateComponent records the state of a service or instance
func UpdateComponent(kind, name string, state ComponentState, detail string) {
	board.mu.Lock()
	defer board.mu.Unlock()

	board.components[componentKey(kind, name)] = Component{
		Kind:   kind,
		Name:   name,
		State:  state,
		Detail: detail,
		Since:  time.Now(),
	}
}

// RemoveComponent forgets a component once its cluster is torn down.
// Required components stay required and read as waiting again.
func RemoveComponent(kind, name string) {
	board.mu.Lock()
	defer board.mu.Unlock()
	delete(board.components, componentKey(kind, name))
}

// GetReport returns a snapshot of the board
func GetReport() Report {
	board.mu.RLock()
	defer board.mu.RUnlock()

	r := Report{Components: make([]Component, 0, len(board.components))}
	for key, c := range board.components {
		r.Components = append(r.Components, c)
		if c.State == ComponentFailed {
			r.Failed = append(r.Failed, key)
		}
	}
	for key := range board.required {
		if c, ok := board.components[key]; !ok || c.State == ComponentPending {
			r.Waiting = append(r.Waiting, key)
		}
	}

	sort.Slice(r.Components, func(i, j int) bool { return r.Components[i].Key() < r.Components[j].Key() })
	sort.Strings(r.Waiting)
	sort.Strings(r.Failed)
	r.Ready = len(r.Waiting) == 0 && len(r.Failed) == 0
	return r
}

// HealthHandler serves /health: 503 once any component failed
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReport()
		writeReport(w, len(report.Failed) == 0, report)
	}
}

// ReadyHandler serves /ready: 200 only when every required component is ready
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := GetReport()
		writeReport(w, report.Ready, report)
	}
}

func writeReport(w http.ResponseWriter, ok bool, report Report) {
	w.Header().Set("Content-Type", "application/json")
	if ok {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
