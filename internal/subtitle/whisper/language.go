package whisper

import "strings"

// whisperLanguages are the language codes whisper models recognize.
var whisperLanguages = map[string]bool{
	"af": true, "am": true, "ar": true, "as": true, "az": true, "ba": true, "be": true, "bg": true,
	"bn": true, "bo": true, "br": true, "bs": true, "ca": true, "cs": true, "cy": true, "da": true,
	"de": true, "el": true, "en": true, "es": true, "et": true, "eu": true, "fa": true, "fi": true,
	"fo": true, "fr": true, "gl": true, "gu": true, "ha": true, "haw": true, "he": true, "hi": true,
	"hr": true, "ht": true, "hu": true, "hy": true, "id": true, "is": true, "it": true, "ja": true,
	"jw": true, "ka": true, "kk": true, "km": true, "kn": true, "ko": true, "la": true, "lb": true,
	"ln": true, "lo": true, "lt": true, "lv": true, "mg": true, "mi": true, "mk": true, "ml": true,
	"mn": true, "mr": true, "ms": true, "mt": true, "my": true, "ne": true, "nl": true, "nn": true,
	"no": true, "oc": true, "pa": true, "pl": true, "ps": true, "pt": true, "ro": true, "ru": true,
	"sa": true, "sd": true, "si": true, "sk": true, "sl": true, "sn": true, "so": true, "sq": true,
	"sr": true, "su": true, "sv": true, "sw": true, "ta": true, "te": true, "tg": true, "th": true,
	"tk": true, "tl": true, "tr": true, "tt": true, "uk": true, "ur": true, "uz": true, "vi": true,
	"yi": true, "yo": true, "yue": true, "zh": true,
}

// languageCode maps a locale such as "en-US" or "pt_BR" to its whisper
// code. Empty and "auto" map to "" (auto-detect).
func languageCode(locale string) string {
	l := strings.ToLower(strings.TrimSpace(locale))
	if l == "" || l == "auto" {
		return ""
	}
	if i := strings.IndexAny(l, "-_"); i > 0 {
		l = l[:i]
	}
	if l == "iw" {
		l = "he"
	}
	return l
}

// SupportedLocale reports whether whisper can transcribe locale. "auto" and
// "" mean language detection.
func SupportedLocale(locale string) bool {
	code := languageCode(locale)
	return code == "" || whisperLanguages[code]
}
