// Package imap hosts the command dispatcher, the per-session selected
// mailbox state, and the search compiler, on top of the go-imap server
// framing.
package imap

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/pelicanmail/pelican/internal/auth"
	"github.com/pelicanmail/pelican/internal/blob"
	"github.com/pelicanmail/pelican/internal/index"
	"github.com/pelicanmail/pelican/internal/logging"
	"github.com/pelicanmail/pelican/internal/message"
	"github.com/pelicanmail/pelican/internal/notify"
	"github.com/pelicanmail/pelican/internal/storage"
)

// Options configures the IMAP server.
type Options struct {
	Addr           string // plain/STARTTLS listener, empty disables
	TLSAddr        string // implicit-TLS listener, empty disables
	TLSConfig      *tls.Config
	IgnoreSTARTTLS bool  // do not offer STARTTLS on the plain port
	MaxMessage     int64 // APPEND literal cap in bytes
	MaxStorage     int64 // fallback quota in bytes
}

// Server wires the dispatcher to its collaborators and owns the
// listeners.
type Server struct {
	store         storage.Store
	blobs         *blob.Store
	indexer       *index.Indexer
	notifier      *notify.Notifier
	handler       *message.Handler
	authenticator *auth.Authenticator
	logger        *logging.Logger

	maxMessage int64
	maxStorage int64

	addr        string
	tlsAddr     string
	tlsConfig   *tls.Config
	imapServer  *imapserver.Server
	listener    net.Listener
	tlsListener net.Listener

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
}

// NewServer builds the IMAP server. All dependencies are injected; there
// are no process-wide singletons.
func NewServer(store storage.Store, blobs *blob.Store, indexer *index.Indexer, notifier *notify.Notifier, handler *message.Handler, authenticator *auth.Authenticator, logger *logging.Logger, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:         store,
		blobs:         blobs,
		indexer:       indexer,
		notifier:      notifier,
		handler:       handler,
		authenticator: authenticator,
		logger:        logger.IMAP(),
		maxMessage:    opts.MaxMessage,
		maxStorage:    opts.MaxStorage,
		addr:          opts.Addr,
		tlsAddr:       opts.TLSAddr,
		tlsConfig:     opts.TLSConfig,
		ctx:           ctx,
		cancel:        cancel,
	}

	var serverTLS *tls.Config
	if !opts.IgnoreSTARTTLS {
		serverTLS = opts.TLSConfig
	}

	s.imapServer = imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return NewSession(s, conn), &imapserver.GreetingData{}, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1:   {},
			imap.CapIdle:        {},
			imap.CapUIDPlus:     {},
			imap.CapMove:        {},
			imap.CapCondStore:   {},
			imap.CapLiteralPlus: {},
			imap.CapSpecialUse:  {},
			imap.CapNamespace:   {},
			imap.CapID:          {},
			imap.CapUnselect:    {},
		},
		TLSConfig:    serverTLS,
		InsecureAuth: serverTLS == nil && opts.TLSConfig == nil,
	})

	return s
}

// ListenAndServe binds the plain listener. A bind failure is returned
// immediately; accept-loop errors go to the logger.
func (s *Server) ListenAndServe() error {
	if s.addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("IMAP server listening", "addr", s.addr)

	s.serveAsync(listener, "imap")
	return nil
}

// ListenAndServeTLS binds the implicit-TLS listener.
func (s *Server) ListenAndServeTLS() error {
	if s.tlsAddr == "" || s.tlsConfig == nil {
		return nil
	}
	listener, err := tls.Listen("tcp", s.tlsAddr, s.tlsConfig)
	if err != nil {
		return err
	}
	s.tlsListener = listener
	s.logger.Info("IMAPS server listening", "addr", s.tlsAddr)

	s.serveAsync(listener, "imaps")
	return nil
}

func (s *Server) serveAsync(listener net.Listener, name string) {
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		if err := s.imapServer.Serve(listener); err != nil {
			select {
			case <-s.ctx.Done():
				s.logger.Info("listener stopped", "listener", name)
			default:
				s.logger.Error("listener failed", "listener", name, "error", err.Error())
			}
		}
	}()
}

// Close stops the server gracefully.
func (s *Server) Close() error {
	s.cancel()

	var closeErr error
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			closeErr = err
		}
	}
	if s.tlsListener != nil {
		if err := s.tlsListener.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	if s.imapServer != nil {
		if err := s.imapServer.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.logger.Warn("timeout waiting for connections to finish")
	}

	return closeErr
}

// newSessionID labels a session for journal own-change suppression and
// logs.
func newSessionID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "session-unknown"
	}
	return hex.EncodeToString(buf[:])
}
