package partstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	stasherr "github.com/partstash/partstash/internal/errors"
)

// filePathTTL bounds how long a getFile result is reused. The Bot API
// guarantees download links for at least one hour.
const filePathTTL = 50 * time.Minute

// TelegramBackend stores each part as a document message in a chat via the
// Bot API. The document's file_id is the PartRef.
type TelegramBackend struct {
	apiURL         string
	token          string
	chatID         string
	maxSize        int64
	wholePartFetch bool
	client         *http.Client

	mu    sync.Mutex
	paths map[PartRef]tgCachedFile
}

type tgCachedFile struct {
	path    string
	size    int64
	expires time.Time
}

// TelegramOptions configures NewTelegramBackend.
type TelegramOptions struct {
	// APIURL is the Bot API root, e.g. https://api.telegram.org.
	APIURL string
	Token  string
	ChatID string
	// MaxPartSize is the per-document ceiling.
	MaxPartSize int64
	// WholePartFetch disables Range requests on downloads.
	WholePartFetch bool
	// HTTPClient overrides the default client. Its timeout must cover a
	// whole part transfer.
	HTTPClient *http.Client
}

// NewTelegramBackend creates a Bot API backend. No network call is made.
func NewTelegramBackend(opts TelegramOptions) *TelegramBackend {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	return &TelegramBackend{
		apiURL:         strings.TrimRight(opts.APIURL, "/"),
		token:          opts.Token,
		chatID:         opts.ChatID,
		maxSize:        opts.MaxPartSize,
		wholePartFetch: opts.WholePartFetch,
		client:         client,
		paths:          make(map[PartRef]tgCachedFile),
	}
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type tgMessage struct {
	MessageID int64       `json:"message_id"`
	Document  *tgDocument `json:"document"`
}

type tgDocument struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id"`
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
}

type tgFile struct {
	FileID   string `json:"file_id"`
	FileSize int64  `json:"file_size"`
	FilePath string `json:"file_path"`
}

func (b *TelegramBackend) methodURL(method string) string {
	return b.apiURL + "/bot" + b.token + "/" + method
}

func (b *TelegramBackend) fileURL(filePath string) string {
	return b.apiURL + "/file/bot" + b.token + "/" + strings.TrimLeft(filePath, "/")
}

// Upload sends the payload as a document. The multipart body is streamed so
// the part is never held twice in memory.
func (b *TelegramBackend) Upload(ctx context.Context, name string, payload io.ReadSeeker, size int64) (PartRef, error) {
	if b.maxSize > 0 && size > b.maxSize {
		return "", stasherr.ErrPayloadTooLarge.WithMessage("part %q is %d bytes, Telegram limit %d", name, size, b.maxSize)
	}
	if _, err := payload.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding payload: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	done := make(chan struct{})
	go func() {
		defer close(done)
		pw.CloseWithError(writeDocumentForm(mw, b.chatID, name, io.LimitReader(payload, size)))
	}()
	// The writer goroutine must be finished before a retry seeks payload.
	defer func() {
		pr.Close()
		<-done
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.methodURL("sendDocument"), pr)
	if err != nil {
		return "", fmt.Errorf("building sendDocument request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var msg tgMessage
	if err := b.call(req, "sendDocument", &msg); err != nil {
		return "", err
	}
	if msg.Document == nil || msg.Document.FileID == "" {
		return "", stasherr.ErrFatal.WithMessage("sendDocument for %q returned no document", name)
	}
	if msg.Document.FileSize != 0 && msg.Document.FileSize != size {
		return "", stasherr.ErrFatal.WithMessage("sendDocument stored %d bytes for %q, sent %d", msg.Document.FileSize, name, size)
	}

	slog.Debug("telegram document sent", "name", name, "size", size, "message_id", msg.MessageID)
	return PartRef(msg.Document.FileID), nil
}

func writeDocumentForm(mw *multipart.Writer, chatID, name string, body io.Reader) error {
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return err
	}
	if err := mw.WriteField("disable_content_type_detection", "true"); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("document", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, body); err != nil {
		return err
	}
	return mw.Close()
}

// OpenRange resolves the file path with getFile and downloads the range.
// Responses that ignore the Range header are sliced locally.
func (b *TelegramBackend) OpenRange(ctx context.Context, ref PartRef, offset, length int64) (io.ReadCloser, error) {
	if err := CheckRangeArgs(offset, length); err != nil {
		return nil, err
	}
	file, err := b.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	if file.size > 0 {
		if length, err = ClampRange(offset, length, file.size); err != nil {
			return nil, err
		}
	}
	if length == 0 {
		return io.NopCloser(eofReader{}), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.fileURL(file.path), nil)
	if err != nil {
		return nil, fmt.Errorf("building download request: %w", err)
	}
	ranged := !b.wholePartFetch && (offset > 0 || length > 0)
	if ranged {
		req.Header.Set("Range", httpRange(offset, length))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err, "downloading part")
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		if length > 0 {
			return RemoteBody(ExactReader(resp.Body, length)), nil
		}
		return RemoteBody(resp.Body), nil
	case http.StatusOK:
		rc, err := SliceReader(resp.Body, offset, length)
		if err != nil {
			return nil, err
		}
		return RemoteBody(rc), nil
	case http.StatusNotFound:
		// The download path expired; resolve it again on retry.
		resp.Body.Close()
		b.forget(ref)
		return nil, stasherr.ErrTransient.WithMessage("download path for part %q expired", ref)
	default:
		resp.Body.Close()
		return nil, classifyHTTPStatus(resp.StatusCode, fmt.Errorf("downloading part %q: HTTP %d", ref, resp.StatusCode))
	}
}

// MaxPartSize returns the per-document ceiling.
func (b *TelegramBackend) MaxPartSize() int64 {
	return b.maxSize
}

// HealthCheck calls getMe.
func (b *TelegramBackend) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.methodURL("getMe"), nil)
	if err != nil {
		return err
	}
	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := b.call(req, "getMe", &me); err != nil {
		return fmt.Errorf("telegram health check failed: %w", err)
	}
	return nil
}

func (b *TelegramBackend) resolve(ctx context.Context, ref PartRef) (tgCachedFile, error) {
	b.mu.Lock()
	cached, ok := b.paths[ref]
	b.mu.Unlock()
	if ok && time.Now().Before(cached.expires) {
		return cached, nil
	}

	u := b.methodURL("getFile") + "?file_id=" + url.QueryEscape(string(ref))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return tgCachedFile{}, fmt.Errorf("building getFile request: %w", err)
	}
	var f tgFile
	if err := b.call(req, "getFile", &f); err != nil {
		if stasherr.KindOf(err) == stasherr.KindFatal {
			// getFile rejects unknown or malformed file ids with 400.
			return tgCachedFile{}, stasherr.ErrNotFound.WithMessage("part %q not found", ref).WithCause(err)
		}
		return tgCachedFile{}, err
	}
	if f.FilePath == "" {
		return tgCachedFile{}, stasherr.ErrFatal.WithMessage("getFile for part %q returned no file_path", ref)
	}

	entry := tgCachedFile{path: f.FilePath, size: f.FileSize, expires: time.Now().Add(filePathTTL)}
	b.mu.Lock()
	b.paths[ref] = entry
	b.mu.Unlock()
	return entry, nil
}

func (b *TelegramBackend) forget(ref PartRef) {
	b.mu.Lock()
	delete(b.paths, ref)
	b.mu.Unlock()
}

// call performs a Bot API request and decodes the result into out.
func (b *TelegramBackend) call(req *http.Request, method string, out any) error {
	resp, err := b.client.Do(req)
	if err != nil {
		return transportError(req.Context(), err, method)
	}
	defer resp.Body.Close()

	var env tgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return classifyHTTPStatus(resp.StatusCode, fmt.Errorf("%s: HTTP %d", method, resp.StatusCode))
		}
		return stasherr.ErrTransient.WithCause(fmt.Errorf("%s: decoding response: %w", method, err))
	}

	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		apiErr := fmt.Errorf("%s: %d %s", method, code, env.Description)
		classified := classifyHTTPStatus(code, apiErr)
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			var se *stasherr.Error
			if errors.As(classified, &se) {
				return se.WithRetryAfter(time.Duration(env.Parameters.RetryAfter) * time.Second)
			}
		}
		return classified
	}

	if err := json.Unmarshal(env.Result, out); err != nil {
		return stasherr.ErrFatal.WithCause(fmt.Errorf("%s: decoding result: %w", method, err))
	}
	return nil
}

// transportError classifies a failed round trip. The *url.Error is unwrapped
// so the bot token embedded in the URL never reaches logs.
func transportError(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return stasherr.ErrTransient.WithCause(fmt.Errorf("%s: %w", op, err))
}
