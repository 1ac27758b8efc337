package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/coder/websocket"
)

// Event is a server-side notification delivered over the event feed.
// Each event name maps to exactly one concrete type, so consumers switch on
// type rather than probing string-keyed maps.
type Event interface {
	eventName() string
}

// UploadProcessed reports that the server finished ingesting an uploaded
// file (preview generation, virus scan) and it is visible in the project.
type UploadProcessed struct {
	RecordID string `json:"record_id"`
	AssetID  string `json:"asset_id"`
	FileName string `json:"file_name"`
}

func (UploadProcessed) eventName() string { return "upload.processed" }

// UploadRejected reports that server-side processing rejected an uploaded
// file after the transfer completed (e.g., corrupt container, failed scan).
type UploadRejected struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

func (UploadRejected) eventName() string { return "upload.rejected" }

// ReviewActivity reports reviewer activity (comment, approval) on an asset.
// The uploader surfaces these informationally after a watch-folder upload.
type ReviewActivity struct {
	ProjectID string `json:"project_id"`
	AssetID   string `json:"asset_id"`
	Kind      string `json:"kind"`
	Actor     string `json:"actor"`
}

func (ReviewActivity) eventName() string { return "review.activity" }

// eventEnvelope is the wire shape: a type tag plus a payload object.
type eventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventFeed is a websocket subscription to the platform's per-project event
// stream. One feed per process; events fan out to the caller's channel.
type EventFeed struct {
	baseURL   string
	projectID string
	token     TokenSource
	logger    *slog.Logger

	// dialFunc is swapped in tests to avoid real network dials.
	dialFunc func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, error)
}

// NewEventFeed creates a feed for the given project. baseURL is the API
// base URL; the websocket endpoint is derived from it.
func NewEventFeed(baseURL, projectID string, token TokenSource, logger *slog.Logger) *EventFeed {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventFeed{
		baseURL:   baseURL,
		projectID: projectID,
		token:     token,
		logger:    logger,
		dialFunc: func(ctx context.Context, u string, opts *websocket.DialOptions) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, u, opts) //nolint:bodyclose // handshake response body is closed by the library on success
			return conn, err
		},
	}
}

// Listen connects to the event stream and sends decoded events to out until
// the context is canceled or the connection drops. Unknown event types are
// logged and skipped — the server may ship new types before the client
// learns them.
func (f *EventFeed) Listen(ctx context.Context, out chan<- Event) error {
	wsURL, err := f.websocketURL()
	if err != nil {
		return err
	}

	tok, err := f.token.Token()
	if err != nil {
		return fmt.Errorf("api: obtaining token for event feed: %w", err)
	}

	conn, err := f.dialFunc(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: map[string][]string{
			"Authorization": {"Bearer " + tok},
			"User-Agent":    {userAgent},
		},
	})
	if err != nil {
		return fmt.Errorf("api: dialing event feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	f.logger.Info("event feed connected",
		slog.String("project_id", f.projectID),
	)

	for {
		_, data, readErr := conn.Read(ctx)
		if readErr != nil {
			if ctx.Err() != nil {
				return nil
			}

			return fmt.Errorf("api: event feed read: %w", readErr)
		}

		ev, decErr := decodeEvent(data)
		if decErr != nil {
			f.logger.Warn("skipping undecodable event", slog.String("error", decErr.Error()))

			continue
		}

		if ev == nil {
			continue
		}

		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// websocketURL derives the ws(s) event endpoint from the API base URL.
func (f *EventFeed) websocketURL() (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", fmt.Errorf("api: parsing base URL for event feed: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("api: unsupported scheme %q for event feed", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + "/v1/events"
	u.RawQuery = url.Values{"project": {f.projectID}}.Encode()

	return u.String(), nil
}

// decodeEvent parses an envelope into its concrete event type.
// Returns (nil, nil) for unknown types.
func decodeEvent(data []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}

	switch env.Type {
	case UploadProcessed{}.eventName():
		var ev UploadProcessed
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", env.Type, err)
		}

		return ev, nil

	case UploadRejected{}.eventName():
		var ev UploadRejected
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", env.Type, err)
		}

		return ev, nil

	case ReviewActivity{}.eventName():
		var ev ReviewActivity
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decoding %s event: %w", env.Type, err)
		}

		return ev, nil

	default:
		return nil, nil //nolint:nilnil // unknown event types are skipped, not errors
	}
}
