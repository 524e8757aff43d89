// Package telegram stores uploads as documents sent by a bot to a chat.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elabx-org/cloudmux/internal/auth"
	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
)

// Instance settings.
const (
	SettingChatID = "chat_id"
	SettingAPIURL = "api_url"
)

const (
	defaultAPIURL = "https://api.telegram.org"
	// maxDocumentSize is the Bot API limit for sendDocument.
	maxDocumentSize = 50 << 20
)

// Descriptor registers the Telegram provider. client may be nil.
func Descriptor(client *http.Client) provider.Descriptor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Minute}
	}
	return provider.Descriptor{
		Type: domain.ProviderTelegram,
		Strategy: auth.NewAPIKey(func(ctx context.Context, cred domain.Credential, settings map[string]string) (domain.UserInfo, error) {
			a, err := newAdapter(client, settings, cred)
			if err != nil {
				return domain.UserInfo{}, fmt.Errorf("%w: %w", domain.ErrInvalidCredentials, err)
			}
			me, err := a.getMe(ctx)
			if err != nil {
				return domain.UserInfo{}, err
			}
			return domain.UserInfo{ID: strconv.FormatInt(me.ID, 10), Name: me.Username}, nil
		}),
		New: func(inst *domain.ProviderInstance, cred domain.Credential) (provider.Adapter, error) {
			return newAdapter(client, inst.Settings, cred)
		},
	}
}

// Adapter sends documents through one bot to one chat.
type Adapter struct {
	client *http.Client
	api    string
	token  string
	chatID string
}

var _ provider.Adapter = (*Adapter)(nil)

func newAdapter(client *http.Client, settings map[string]string, cred domain.Credential) (*Adapter, error) {
	if cred.APIKey == nil || cred.APIKey.Key == "" {
		return nil, fmt.Errorf("telegram: bot token required")
	}
	chat := settings[SettingChatID]
	if chat == "" {
		return nil, fmt.Errorf("telegram: %q setting is required", SettingChatID)
	}
	api := strings.TrimSuffix(settings[SettingAPIURL], "/")
	if api == "" {
		api = defaultAPIURL
	}
	if u, err := url.Parse(api); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("telegram: invalid %q setting", SettingAPIURL)
	}
	return &Adapter{client: client, api: api, token: cred.APIKey.Key, chatID: chat}, nil
}

func (a *Adapter) Type() domain.ProviderType { return domain.ProviderTelegram }

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

type user struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	Document  struct {
		FileID       string `json:"file_id"`
		FileUniqueID string `json:"file_unique_id"`
		FileSize     int64  `json:"file_size"`
	} `json:"document"`
}

// newRequest builds a Bot API request. The URL carries the bot token, so
// errors are redacted.
func (a *Adapter) newRequest(ctx context.Context, method, name string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.api+"/bot"+a.token+"/"+name, body)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s: %w", name, a.redact(err))
	}
	return req, nil
}

// call sends req and decodes the Bot API envelope into out.
func (a *Adapter) call(req *http.Request, op string, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", op, a.redact(err))
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("telegram: %s: status %d: %w", op, resp.StatusCode, domain.ErrTransferFailed)
	}
	if !env.OK {
		status := env.ErrorCode
		if status == 0 {
			status = resp.StatusCode
		}
		kind := domain.ErrTransferFailed
		if status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound {
			// The Bot API answers 404 for an unknown token.
			kind = domain.ErrInvalidCredentials
		}
		return fmt.Errorf("telegram: %s: %d %s: %w", op, status, env.Description, kind)
	}
	return json.Unmarshal(env.Result, out)
}

func (a *Adapter) getMe(ctx context.Context) (*user, error) {
	req, err := a.newRequest(ctx, http.MethodGet, "getMe", nil)
	if err != nil {
		return nil, err
	}
	var u user
	if err := a.call(req, "getMe", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// Upload streams the file as a multipart sendDocument request. The remote id
// is chat_id/message_id.
func (a *Adapter) Upload(ctx context.Context, target provider.UploadTarget, file domain.FileInfo, r io.ReaderAt) (domain.RemoteObject, error) {
	if file.Size > maxDocumentSize {
		return domain.RemoteObject{}, fmt.Errorf("telegram: %s is %d bytes, over the %d byte limit: %w",
			file.Name, file.Size, maxDocumentSize, domain.ErrTransferFailed)
	}
	segs, err := provider.SplitFolderPath(target.FolderPath)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	remotePath := provider.JoinRemote(segs, file.Name)

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeDocument(mw, a.chatID, remotePath, file, io.NewSectionReader(r, 0, file.Size))
		pw.CloseWithError(err)
	}()

	req, err := a.newRequest(ctx, http.MethodPost, "sendDocument", pr)
	if err != nil {
		return domain.RemoteObject{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var msg message
	if err := a.call(req, "sendDocument", &msg); err != nil {
		return domain.RemoteObject{}, err
	}
	size := msg.Document.FileSize
	if size == 0 {
		size = file.Size
	}
	return domain.RemoteObject{
		ID:   a.chatID + "/" + strconv.FormatInt(msg.MessageID, 10),
		Path: remotePath,
		Size: size,
		Hash: msg.Document.FileUniqueID,
	}, nil
}

func writeDocument(mw *multipart.Writer, chatID, caption string, file domain.FileInfo, body io.Reader) error {
	if err := mw.WriteField("chat_id", chatID); err != nil {
		return err
	}
	if err := mw.WriteField("caption", caption); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("document", file.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, body); err != nil {
		return err
	}
	return mw.Close()
}

func (a *Adapter) Healthy(ctx context.Context) (bool, int64, error) {
	start := time.Now()
	_, err := a.getMe(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, err
	}
	return true, latency, nil
}

func (a *Adapter) redact(err error) error {
	return redactedError{err: err, token: a.token}
}

// redactedError hides the bot token in err's message and keeps the chain for
// errors.Is and errors.As.
type redactedError struct {
	err   error
	token string
}

func (e redactedError) Error() string {
	msg := e.err.Error()
	if e.token == "" {
		return msg
	}
	msg = strings.ReplaceAll(msg, e.token, "<redacted>")
	return strings.ReplaceAll(msg, url.PathEscape(e.token), "<redacted>")
}

func (e redactedError) Unwrap() error { return e.err }
