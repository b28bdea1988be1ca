package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"
)

// Level is the log level used for audit entries. It sits above the standard
// levels so audit lines are never filtered out.
const Level = zerolog.Level(20)

const levelName = "audit"

func init() {
	marshal := zerolog.LevelFieldMarshalFunc
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if l == Level {
			return levelName
		}
		return marshal(l)
	}
}

type key struct{}

var logKey = key{}

// Entry is the audit record of a single API request. Handlers fill in the
// payment details; the middleware fills in the request details and writes
// the entry once the request completes.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string

	Operation       string
	Amount          string
	Currency        string
	OrderID         string
	PaymentID       string
	ProcessorStatus int

	Error string
}

// MarshalZerologObject writes the entry as nested dictionaries. The request
// dictionary is always present; payment details only when recorded.
func (e *Entry) MarshalZerologObject(event *zerolog.Event) {
	event.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent),
	)

	payment := NewOptionalEvent(nil).
		Str("operation", e.Operation).
		Str("amount", e.Amount).
		Str("currency", e.Currency).
		Str("orderID", e.OrderID).
		Str("paymentID", e.PaymentID).
		Int("processorStatus", e.ProcessorStatus)
	payment.Set(event, "payment")

	if e.Error != "" {
		event.Str("error", e.Error)
	}
}

// Begin records the details of the incoming request.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	e.SourceIP = host
}

// End returns a function that writes the entry to the context logger. A
// panic in flight is recorded in the entry before it is written, and is then
// re-raised.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		if r := recover(); r != nil {
			e.appendError(fmt.Sprintf("panic: %v", r))
			defer panic(r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}

		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg(levelName)
	}
}

// SetError records err against the entry, keeping any error already
// recorded.
func (e *Entry) SetError(err error) {
	if err == nil {
		return
	}
	e.appendError(err.Error())
}

func (e *Entry) appendError(msg string) {
	if e.Error == "" {
		e.Error = msg
		return
	}
	e.Error = e.Error + "; " + msg
}

// Log returns the audit entry for the request, or a detached entry when the
// context has none.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Context returns the audit entry stored in ctx, creating and attaching one
// when absent.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(logKey).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, logKey, e), e
}

// Middleware writes an audit entry for every request passing through it.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)

			defer entry.End(ctx)()

			next.ServeHTTP(&statusRecorder{ResponseWriter: w, entry: entry}, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	entry *Entry
}

func (s *statusRecorder) WriteHeader(status int) {
	s.entry.Status = status
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
