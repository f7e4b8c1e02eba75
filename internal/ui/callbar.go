package ui

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mossy-p/voice-call/internal/callstate"
)

// View is what the floating bar shows.
type View struct {
	Visible bool
	Status  string
}

// CallBar is the view model of the floating call indicator. It follows the
// global call state and is visible only while a call is active and
// minimized.
type CallBar struct {
	store *callstate.Store

	mu       sync.Mutex
	view     View
	onChange func(View)

	cancel func()
	done   chan struct{}
}

// NewCallBar subscribes to store. onChange, when set, is called from the
// subscription goroutine every time the rendered view changes.
func NewCallBar(store *callstate.Store, onChange func(View)) *CallBar {
	updates, cancel := store.Subscribe()
	b := &CallBar{
		store:    store,
		onChange: onChange,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.follow(updates)
	return b
}

func (b *CallBar) follow(updates <-chan callstate.State) {
	defer close(b.done)
	for st := range updates {
		v := Render(st)
		b.mu.Lock()
		changed := v != b.view
		b.view = v
		b.mu.Unlock()
		if changed && b.onChange != nil {
			b.onChange(v)
		}
	}
}

func (b *CallBar) View() View {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.view
}

// Expand returns to the full call screen, hiding the bar.
func (b *CallBar) Expand() { b.store.Dispatch(callstate.Minimized{Minimized: false}) }

func (b *CallBar) Minimize() { b.store.Dispatch(callstate.Minimized{Minimized: true}) }

func (b *CallBar) Close() {
	b.cancel()
	<-b.done
}

// Render builds the bar for st, e.g. "● 01:23 · muted · 3".
func Render(st callstate.State) View {
	if !st.Active {
		return View{}
	}
	parts := []string{"● " + FormatDuration(st.DurationSeconds)}
	if st.Muted {
		parts = append(parts, "muted")
	}
	if n := len(st.Participants); n > 0 {
		parts = append(parts, fmt.Sprint(n))
	}
	return View{
		Visible: st.Minimized,
		Status:  strings.Join(parts, " · "),
	}
}

// FormatDuration renders seconds as mm:ss, or h:mm:ss from one hour on.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h, m, s := seconds/3600, seconds/60%60, seconds%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
