package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	httpTimeout = 5 * time.Second
)

type sessionFile struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	Token    string `json:"token"`
}

func apiSignup(baseURL, username, password, role string) error {
	payload := signupRequest{Username: username, Password: password, Role: role}
	return doJSONRequest(http.MethodPost, baseURL+"/signup", "", payload, nil)
}

func apiLogin(baseURL, username, password string) (*loginResponse, error) {
	payload := signupRequest{Username: username, Password: password}
	var resp loginResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/login", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiLogout(baseURL, token string) error {
	return doJSONRequest(http.MethodPost, baseURL+"/logout", token, nil, nil)
}

func quotationPath(baseURL, quotationID, leaf string) string {
	return baseURL + "/api/quotations/" + url.PathEscape(quotationID) + "/" + leaf
}

// apiListMessages fetches the whole log; used on open and after every reconnect.
func apiListMessages(baseURL, token, quotationID string) ([]ChatMessage, error) {
	var messages []ChatMessage
	if err := doJSONRequest(http.MethodGet, quotationPath(baseURL, quotationID, "messages"), token, nil, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

// apiPostMessage saves a message. The returned record carries the id the relay
// needs.
func apiPostMessage(baseURL, token, quotationID, body string) (ChatMessage, error) {
	var saved ChatMessage
	err := doJSONRequest(http.MethodPost, quotationPath(baseURL, quotationID, "messages"), token, postMessageRequest{Body: body}, &saved)
	return saved, err
}

func apiChatStatus(baseURL, token, quotationID string) (chatStatusResponse, error) {
	var resp chatStatusResponse
	err := doJSONRequest(http.MethodGet, quotationPath(baseURL, quotationID, "chat-status"), token, nil, &resp)
	return resp, err
}

func doJSONRequest(method, endpoint, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message, code := readResponseError(resp.Body)
		if code == string(CodeChatDisabled) {
			return protocolError(CodeChatDisabled, ErrChatDisabled)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, message)
	}
	if out != nil && resp.ContentLength != 0 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return err
		}
	} else if out != nil && resp.ContentLength == 0 {
		// Try to decode in case server sent chunked body without length header.
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, out); err != nil {
				return err
			}
		}
	}
	return nil
}

func readResponseError(body io.Reader) (message, code string) {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed", ""
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg, parsed["code"]
		}
	}
	return strings.TrimSpace(string(data)), ""
}

func httpBaseFromJoinURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

func loadSessionFromDisk(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Username == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func saveSessionToDisk(path string, session sessionFile) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteSessionFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
