package throughput

import (
	"encoding/json"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

const interval time.Duration = time.Second

// maxWindows bounds how many per-second samples we keep around
const maxWindows = 60

// Throughput counts events per one second window for as long as done is open
type Throughput struct {
	clock clock.WithTicker

	mu    sync.Mutex
	unit  string
	count int

	Total int       `json:"total"`
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
	Data  []int     `json:"data"`
}

func New(clk clock.WithTicker, unit string, done <-chan struct{}) *Throughput {
	now := clk.Now().UTC()
	t := &Throughput{
		clock: clk,
		unit:  unit,
		Start: now,
		Stop:  now,
		Data:  []int{},
	}

	go func() {
		ticker := clk.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C():
				t.tick()
			}
		}
	}()

	return t
}

func (t *Throughput) tick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Stop = t.clock.Now().UTC()
	t.Total += t.count
	t.Data = append(t.Data, t.count)
	if len(t.Data) > maxWindows {
		t.Data = t.Data[len(t.Data)-maxWindows:]
	}

	// empty out our current window
	t.count = 0
}

func (t *Throughput) Count(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

func (t *Throughput) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.count = 0
	t.Total = 0
	t.Start = t.clock.Now().UTC()
	t.Stop = t.Start
	t.Data = []int{}
}

// Digest renders the closed windows plus whatever is in the current one
func (t *Throughput) Digest() json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := struct {
		Unit    string    `json:"unit"`
		Total   int       `json:"total"`
		Current int       `json:"current"`
		Start   time.Time `json:"start"`
		Stop    time.Time `json:"stop"`
		Data    []int     `json:"data"`
	}{t.unit, t.Total + t.count, t.count, t.Start, t.Stop, t.Data}

	// nothing in here can fail to marshal
	data, _ := json.Marshal(snapshot)
	return data
}
