package dispatcher

import (
	"context"
	"time"

	"github.com/AlexStocks/getty"

	"github.com/kvstore/kvstore/logging"
)

const writePkgTimeout = time.Second

// listener implements getty.EventListener, decoding each frame as a
// Request, executing it against the dispatcher's db, and writing back
// the encoded Response. Grounded on the teacher's MySQLMessageHandler
// (server/net/handler.go), narrowed to this protocol's single
// request-reply shape (no session-scoped auth/query state to track).
type listener struct {
	d *Dispatcher
}

func newListener(d *Dispatcher) *listener {
	return &listener{d: d}
}

func (l *listener) OnOpen(session getty.Session) error {
	return nil
}

func (l *listener) OnClose(session getty.Session) {
	l.d.forget(session)
}

func (l *listener) OnError(session getty.Session, err error) {
	logging.Warnf("dispatcher: session %s error: %v", session.Stat(), err)
	l.d.forget(session)
}

func (l *listener) OnCron(session getty.Session) {}

func (l *listener) OnMessage(session getty.Session, pkg interface{}) {
	payload, ok := pkg.([]byte)
	if !ok {
		logging.Errorf("dispatcher: unexpected package type %T", pkg)
		return
	}
	req, err := DecodeRequest(payload)
	if err != nil {
		logging.Errorf("dispatcher: decode request: %v", err)
		return
	}

	resp := l.d.execute(context.Background(), req)
	if err := session.WritePkg(EncodeResponse(resp), writePkgTimeout); err != nil {
		logging.Warnf("dispatcher: write response: %v", err)
	}
}
