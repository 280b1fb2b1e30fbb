package handlers

import (
	"fmt"
	"net/http"

	"github.com/video-stream/subsync/internal/stream"
	"github.com/video-stream/subsync/internal/subtitle/whisper"
)

// SettingsStore persists runtime preferences.
type SettingsStore interface {
	GetSetting(key, defaultVal string) string
	SetSetting(key, value string) error
	GetAllSettings() (map[string]string, error)
}

const (
	settingStrategy = "stream_strategy"
	settingLocale   = "transcribe_locale"
)

type SettingDef struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Placeholder string `json:"placeholder"`
}

var settingsKeys = []SettingDef{
	{Key: settingStrategy, Label: "Stream Selection", Placeholder: "medium"},
	{Key: settingLocale, Label: "Transcription Language", Placeholder: "auto"},
}

// Preferences resolves per-request choices: query parameter, then stored
// setting, then the configured default.
type Preferences struct {
	store    SettingsStore
	strategy stream.Strategy
	locale   string
}

func NewPreferences(store SettingsStore, strategy stream.Strategy, locale string) *Preferences {
	return &Preferences{store: store, strategy: strategy, locale: locale}
}

func (p *Preferences) Strategy(override string) (stream.Strategy, error) {
	if override != "" {
		return stream.ParseStrategy(override)
	}
	if p.store != nil {
		if v := p.store.GetSetting(settingStrategy, ""); v != "" {
			if s, err := stream.ParseStrategy(v); err == nil {
				return s, nil
			}
		}
	}
	return p.strategy, nil
}

func (p *Preferences) Locale(override string) string {
	if override != "" {
		return override
	}
	if p.store != nil {
		return p.store.GetSetting(settingLocale, p.locale)
	}
	return p.locale
}

type SettingsHandler struct {
	store SettingsStore
}

func NewSettingsHandler(store SettingsStore) *SettingsHandler {
	return &SettingsHandler{store: store}
}

type settingResponse struct {
	SettingDef
	Value    string `json:"value"`
	HasValue bool   `json:"has_value"`
}

func (h *SettingsHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.GetAllSettings()
	if err != nil {
		jsonError(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	result := make([]settingResponse, 0, len(settingsKeys))
	for _, def := range settingsKeys {
		result = append(result, settingResponse{SettingDef: def, Value: all[def.Key], HasValue: all[def.Key] != ""})
	}
	jsonResponse(w, result, http.StatusOK)
}

// UpdateSettings stores known keys; an empty value resets to the default.
func (h *SettingsHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var updates map[string]string
	if err := decodeJSON(r, &updates); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	for key, value := range updates {
		if err := validateSetting(key, value); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	for key, value := range updates {
		if err := h.store.SetSetting(key, value); err != nil {
			jsonError(w, "failed to save setting: "+key, http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func validateSetting(key, value string) error {
	switch key {
	case settingStrategy:
		if value == "" {
			return nil
		}
		_, err := stream.ParseStrategy(value)
		return err
	case settingLocale:
		if value == "" || whisper.SupportedLocale(value) {
			return nil
		}
		return fmt.Errorf("unsupported language %q", value)
	}
	return fmt.Errorf("unknown setting %q", key)
}
