// Package control turns chat commands into station controls.
//
// Commands arrive as transport updates (Telegram messages in production),
// are tokenized, checked against the owner list and run on a small bounded
// worker pool so a slow reply never stalls the update loop.
package control

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"airwave/internal/stations"
	kit "airwave/internal/transport"
	logx "airwave/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

// Stations is the part of the station supervisor the commands use.
type Stations interface {
	Control(name, cmd, value string) error
	Statuses() []stations.Status
	Status(name string) (stations.Status, bool)
}

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one command invocation.
type Request struct {
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string
	ReqID   string
	Log     logx.Logger

	d *Dispatcher
}

// Reply sends text back to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.d.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ErrUsage marks a malformed invocation; the usage line is sent back.
var ErrUsage = errors.New("usage")

const (
	defaultTimeout = 10 * time.Second
	jobQueueSize   = 64
	workers        = 2
)

type Dispatcher struct {
	log      logx.Logger
	adapter  kit.Adapter
	stations Stations

	mu     sync.RWMutex
	owners []int64
	cmds   map[string]*Command
	list   []Command

	jobs    chan func(context.Context)
	enabled atomic.Bool
}

func New(log logx.Logger, adapter kit.Adapter, st Stations, owners []int64) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:      log,
		adapter:  adapter,
		stations: st,
		owners:   append([]int64(nil), owners...),
		jobs:     make(chan func(context.Context), jobQueueSize),
	}
	d.enabled.Store(true)
	d.register(builtinCommands(d))
	return d
}

// SetEnabled turns command handling on or off. Updates received while
// disabled are ignored silently.
func (d *Dispatcher) SetEnabled(on bool) { d.enabled.Store(on) }

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (d *Dispatcher) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	d.mu.Lock()
	d.owners = cp
	d.mu.Unlock()
}

func (d *Dispatcher) register(cmds []Command) {
	m := map[string]*Command{}
	for i := range cmds {
		c := &cmds[i]
		m[c.Name] = c
		for _, a := range c.Aliases {
			if a = strings.TrimSpace(a); a != "" {
				m[a] = c
			}
		}
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	d.mu.Lock()
	d.cmds = m
	d.list = cmds
	d.mu.Unlock()
}

// Commands lists the registered commands by name.
func (d *Dispatcher) Commands() []Command {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Command(nil), d.list...)
}

// PublishMenu pushes the command list to the chat client when the adapter
// supports it.
func (d *Dispatcher) PublishMenu(ctx context.Context) error {
	up, ok := d.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	var menu []kit.BotCommand
	for _, c := range d.Commands() {
		menu = append(menu, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return up.UpdateMenuCommands(ctx, menu)
}

// DispatchLoop consumes updates until ctx is done or updates is closed.
func (d *Dispatcher) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-d.jobs:
					if !ok {
						return
					}
					d.runJob(ctx, idx, job)
				}
			}
		}(i)
	}
	d.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(d.jobs)))
	defer func() {
		wg.Wait()
		d.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			d.route(ctx, up)
		}
	}
}

func (d *Dispatcher) runJob(ctx context.Context, idx int, job func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic in command worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (d *Dispatcher) route(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil || !d.enabled.Load() {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return
	}
	word := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	d.mu.RLock()
	cmd, ok := d.cmds[word]
	owners := d.owners
	d.mu.RUnlock()
	if !ok {
		_, _ = d.adapter.SendText(ctx, chat, "unknown command. try /help", nil)
		return
	}
	if cmd.Access == AccessOwnerOnly && !isOwner(msg.FromID, owners) {
		_, _ = d.adapter.SendText(ctx, chat, "unauthorized", nil)
		return
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    parts[1:],
		ReqID:   rid,
		Log:     d.log.With(logx.String("rid", rid), logx.Int64("from_id", msg.FromID), logx.String("cmd", cmd.Name)),
		d:       d,
	}
	c := *cmd
	job := func(root context.Context) {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		cctx, cancel := context.WithTimeout(root, timeout)
		defer cancel()
		start := time.Now()
		err := c.Handle(cctx, req)
		switch {
		case err == nil:
			req.Log.Debug("command ok", logx.Duration("took", time.Since(start)))
		case errors.Is(err, ErrUsage):
			_ = req.Reply(cctx, "usage: "+c.Usage)
		default:
			req.Log.Warn("command failed", logx.Err(err), logx.Duration("took", time.Since(start)))
			_ = req.Reply(cctx, "error: "+err.Error())
		}
	}
	select {
	case d.jobs <- job:
	default:
		_, _ = d.adapter.SendText(ctx, chat, "busy, try again", nil)
	}
}

func isOwner(id int64, owners []int64) bool {
	for _, o := range owners {
		if o == id {
			return true
		}
	}
	return false
}

func usage(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUsage}, args...)...)
}
