package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// sessionDescriptor is the JSON sidecar next to a session file. Several
// exporters name the same field differently; the first non-empty alias wins.
type sessionDescriptor struct {
	APIID          json.RawMessage `json:"api_id"`
	AppID          json.RawMessage `json:"app_id"`
	APIHash        string          `json:"api_hash"`
	AppHash        string          `json:"app_hash"`
	TwoFA          *string         `json:"twoFA"`
	DeviceModel    string          `json:"device_model"`
	Device         string          `json:"device"`
	SystemVersion  string          `json:"system_version"`
	SDK            string          `json:"sdk"`
	AppVersion     string          `json:"app_version"`
	LangCode       string          `json:"lang_code"`
	LangPack       string          `json:"lang_pack"`
	SystemLangCode string          `json:"system_lang_code"`
	SystemLangPack string          `json:"system_lang_pack"`
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func parseAPIID(raws ...json.RawMessage) (int, error) {
	for _, raw := range raws {
		s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
		if s == "" || s == "null" {
			continue
		}
		return strconv.Atoi(s)
	}
	return 0, errors.New("api_id/app_id missing")
}

// ScanSessions returns one Account per "<id>.session" that has a "<id>.json"
// sidecar. The session file's modification time stands in for account creation.
func ScanSessions(dir string) ([]Account, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var (
		out  []Account
		errs []error
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".session" {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".session")
		a, err := readSession(dir, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, errors.Join(errs...)
}

func readSession(dir, id string) (Account, error) {
	sessionPath := filepath.Join(dir, id+".session")
	st, err := os.Stat(sessionPath)
	if err != nil {
		return Account{}, err
	}
	b, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		return Account{}, err
	}
	var d sessionDescriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return Account{}, err
	}
	apiID, err := parseAPIID(d.APIID, d.AppID)
	if err != nil {
		return Account{}, err
	}
	hash := firstNonEmpty(d.APIHash, d.AppHash)
	if hash == "" {
		return Account{}, errors.New("api_hash/app_hash missing")
	}
	a := Account{
		ID:             id,
		APIID:          apiID,
		APIHash:        hash,
		SessionPath:    sessionPath,
		DeviceModel:    firstNonEmpty(d.DeviceModel, d.Device, "PC"),
		SystemVersion:  firstNonEmpty(d.SystemVersion, d.SDK, "Windows 10"),
		AppVersion:     firstNonEmpty(d.AppVersion, "4.8.1 x64"),
		LangCode:       firstNonEmpty(d.LangCode, d.LangPack, "en"),
		SystemLangCode: firstNonEmpty(d.SystemLangCode, d.SystemLangPack, "en-US"),
		CreatedAt:      st.ModTime().UTC(),
	}
	if d.TwoFA != nil {
		a.TwoFA = *d.TwoFA
	}
	return a, nil
}
