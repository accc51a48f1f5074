package dispatcher

import (
	"context"
	"strconv"
	"sync"

	"github.com/AlexStocks/getty"
	"github.com/juju/errors"

	"github.com/kvstore/kvstore/kv"
	"github.com/kvstore/kvstore/logging"
)

// Dispatcher runs a getty TCP listener and executes one transaction per
// request against db, per §6.2's request queue model. It keeps no queue
// of its own beyond what getty's session read loop already buffers — a
// full worker-pool/backpressure story is explicitly out of scope.
type Dispatcher struct {
	db     *kv.DB
	cfg    ListenerConfig
	server getty.Server

	mu       sync.Mutex
	sessions map[getty.Session]struct{}
}

// New builds a Dispatcher over db, ready for Start.
func New(db *kv.DB, cfg ListenerConfig) *Dispatcher {
	return &Dispatcher{
		db:       db,
		cfg:      cfg,
		sessions: make(map[getty.Session]struct{}),
	}
}

// Start begins accepting connections and blocks the event loop
// registration; the listener itself runs on its own goroutines. Call
// Stop to shut it down.
func (d *Dispatcher) Start() {
	addr := d.cfg.BindAddress + ":" + strconv.Itoa(d.cfg.Port)

	d.server = getty.NewTCPServer(getty.WithLocalAddress(addr))
	d.server.RunEventLoop(func(session getty.Session) error {
		session.SetPkgHandler(newPkgCodec(d.cfg.MaxMsgLen))
		session.SetEventListener(newListener(d))
		session.SetReadTimeout(d.cfg.ReadTimeout)
		session.SetWriteTimeout(d.cfg.WriteTimeout)
		session.SetCronPeriod(d.cfg.SessionCronSecs * 1000)
		session.SetMaxMsgLen(d.cfg.MaxMsgLen)

		d.mu.Lock()
		d.sessions[session] = struct{}{}
		d.mu.Unlock()

		logging.Infof("dispatcher: session opened %s", session.Stat())
		return nil
	})
}

// Stop closes the listener and every open session.
func (d *Dispatcher) Stop() {
	if d.server != nil {
		d.server.Close()
	}
}

func (d *Dispatcher) forget(session getty.Session) {
	d.mu.Lock()
	delete(d.sessions, session)
	d.mu.Unlock()
}

// execute runs req against d.db in its own transaction, committing on
// success and rolling back on any failure — the "one request, one
// transaction" mapping §6.2 describes.
func (d *Dispatcher) execute(ctx context.Context, req Request) Response {
	tx := d.db.Begin()

	var resp Response
	switch req.Op {
	case OpGet:
		value, found, err := tx.Get(ctx, req.Key)
		resp = Response{Found: found, Value: value}
		if err != nil {
			resp.Err = err.Error()
		}
	case OpSet:
		err := tx.Set(ctx, req.Key, req.Value)
		if err != nil {
			resp.Err = err.Error()
		}
	case OpDelete:
		err := tx.Delete(ctx, req.Key)
		if err != nil {
			resp.Err = err.Error()
		}
	case OpNext:
		key, value, found, err := tx.Next(ctx, req.Key)
		resp = Response{Found: found, Key: key, Value: value}
		if err != nil {
			resp.Err = err.Error()
		}
	default:
		resp.Err = errors.Errorf("dispatcher: unknown op %d", req.Op).Error()
	}

	if resp.Err != "" {
		_ = tx.Rollback()
		return resp
	}
	if err := tx.Commit(); err != nil {
		resp.Err = err.Error()
		return resp
	}
	resp.OK = true
	return resp
}
