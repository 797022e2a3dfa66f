package authflow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
)

// CodeProvider shows authURL to the user and returns the authorization
// code they obtained.
type CodeProvider interface {
	Code(ctx context.Context, authURL string) (string, error)
}

type CodeProviderFunc func(ctx context.Context, authURL string) (string, error)

func (f CodeProviderFunc) Code(ctx context.Context, authURL string) (string, error) {
	return f(ctx, authURL)
}

// ConsoleCodeProvider prints the URL and reads the code from one input
// line. Reading blocks until a line arrives; ctx is not observed.
type ConsoleCodeProvider struct {
	In  io.Reader
	Out io.Writer
}

func (p ConsoleCodeProvider) Code(_ context.Context, authURL string) (string, error) {
	fmt.Fprintf(p.Out, "Authorize this app by visiting this URL:\n%s\n", authURL)
	fmt.Fprint(p.Out, "Enter the code from that page here: ")

	line, err := bufio.NewReader(p.In).ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", fmt.Errorf("read authorization code: %w", err)
	}
	return line, nil
}

// LoopbackCodeProvider receives the redirect on a local listener, so the
// user does not have to copy the code by hand.
type LoopbackCodeProvider struct {
	// Addr is the listen address, e.g. "localhost:8080". Ignored when
	// Listener is set.
	Addr string
	// Path of the callback, e.g. "/auth/google/callback".
	Path     string
	Listener net.Listener
	Out      io.Writer
}

// NewLoopbackCodeProvider listens where redirectURI points.
func NewLoopbackCodeProvider(redirectURI string, out io.Writer) (*LoopbackCodeProvider, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	if u.Scheme != "http" || u.Host == "" {
		return nil, fmt.Errorf("redirect uri %q is not a local http address", redirectURI)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return &LoopbackCodeProvider{Addr: u.Host, Path: path, Out: out}, nil
}

type callbackResult struct {
	code string
	err  error
}

func (p *LoopbackCodeProvider) Code(ctx context.Context, authURL string) (string, error) {
	u, err := url.Parse(authURL)
	if err != nil {
		return "", fmt.Errorf("parse authorization url: %w", err)
	}
	wantState := u.Query().Get("state")

	ln := p.Listener
	if ln == nil {
		ln, err = net.Listen("tcp", p.Addr)
		if err != nil {
			return "", fmt.Errorf("listen for redirect: %w", err)
		}
	}

	results := make(chan callbackResult, 1)
	deliver := func(r callbackResult) {
		select {
		case results <- r:
		default:
		}
	}

	r := chi.NewRouter()
	r.Get(p.Path, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		switch {
		case q.Get("state") != wantState:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			deliver(callbackResult{err: ErrStateMismatch})
		case q.Get("error") != "":
			http.Error(w, "authorization denied", http.StatusForbidden)
			deliver(callbackResult{err: fmt.Errorf("authorization denied: %s", q.Get("error"))})
		case q.Get("code") == "":
			http.Error(w, "missing code", http.StatusBadRequest)
			deliver(callbackResult{err: errors.New("redirect carried no code")})
		default:
			fmt.Fprintln(w, "Authorization complete. You can close this window.")
			deliver(callbackResult{code: q.Get("code")})
		}
	})

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if p.Out != nil {
		fmt.Fprintf(p.Out, "Authorize this app by visiting this URL:\n%s\n", authURL)
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		return res.code, res.err
	}
}
