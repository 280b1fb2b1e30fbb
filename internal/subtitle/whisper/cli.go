package whisper

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/video-stream/subsync/internal/subtitle"
)

// lineCommand runs a process and hands every stderr line to onLine.
type lineCommand func(ctx context.Context, name string, args []string, onLine func(string)) error

// CLIRecognizer runs the whisper.cpp command line tool locally.
type CLIRecognizer struct {
	binPath    string
	modelPath  string
	modelURL   string
	run        lineCommand
	httpClient *http.Client
}

// NewCLIRecognizer creates a recognizer for whisper-cli. When modelURL is
// set, Prepare downloads a missing model from it.
func NewCLIRecognizer(binPath, modelPath, modelURL string) *CLIRecognizer {
	if binPath == "" {
		binPath = "whisper-cli"
	}
	return &CLIRecognizer{
		binPath:    binPath,
		modelPath:  modelPath,
		modelURL:   modelURL,
		run:        execLines,
		httpClient: &http.Client{},
	}
}

func (c *CLIRecognizer) Name() string {
	return "whisper-cli"
}

// Ready is true when the model file is present.
func (c *CLIRecognizer) Ready(locale string) bool {
	if !SupportedLocale(locale) {
		return false
	}
	info, err := os.Stat(c.modelPath)
	return err == nil && info.Size() > 0
}

func (c *CLIRecognizer) Prepare(ctx context.Context, locale string) error {
	if !SupportedLocale(locale) {
		return fmt.Errorf("locale %q is not supported by whisper", locale)
	}
	if c.Ready(locale) {
		return nil
	}
	if c.modelURL == "" {
		return fmt.Errorf("whisper model not found at %s", c.modelPath)
	}
	return c.downloadModel(ctx)
}

// downloadModel fetches the model next to its final path and renames it
// into place once complete.
func (c *CLIRecognizer) downloadModel(ctx context.Context) error {
	log.Printf("[whisper-cli] downloading model %s", c.modelURL)
	if err := os.MkdirAll(filepath.Dir(c.modelPath), 0755); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download model: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.modelPath), ".model-*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.modelPath); err != nil {
		return err
	}
	log.Printf("[whisper-cli] model saved to %s (%d bytes)", c.modelPath, n)
	return nil
}

func (c *CLIRecognizer) Recognize(ctx context.Context, req Request, onProgress func(float64)) (*Result, error) {
	dir, err := os.MkdirTemp("", "whisper-cli-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	base := filepath.Join(dir, "transcript")
	args := buildCLIArgs(c.modelPath, req.AudioPath, base, req.Locale)
	err = c.run(ctx, c.binPath, args, func(line string) {
		if p, ok := parseProgressLine(line); ok && onProgress != nil {
			onProgress(min(p, estimateCap))
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper-cli: %w", err)
	}

	raw, err := os.ReadFile(base + ".json")
	if err != nil {
		return nil, fmt.Errorf("whisper-cli completed but transcript is missing: %w", err)
	}
	res, err := parseCLIOutput(raw)
	if err != nil {
		return nil, err
	}
	if res.Language == "" {
		res.Language = languageCode(req.Locale)
	}
	return res, nil
}

// buildCLIArgs requests full JSON (token offsets) and progress output.
func buildCLIArgs(modelPath, audioPath, outBase, locale string) []string {
	lang := languageCode(locale)
	if lang == "" {
		lang = "auto"
	}
	return []string{
		"-m", modelPath,
		"-f", audioPath,
		"-of", outBase,
		"-ojf",
		"-pp",
		"-l", lang,
	}
}

// parseProgressLine reads "whisper_print_progress_callback: progress =  42%".
func parseProgressLine(line string) (float64, bool) {
	i := strings.Index(line, "progress =")
	if i < 0 {
		return 0, false
	}
	v := strings.TrimSpace(line[i+len("progress ="):])
	v = strings.TrimSuffix(v, "%")
	pct, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return float64(pct) / 100, true
}

type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []cliSegment `json:"transcription"`
}

type cliSegment struct {
	Offsets cliOffsets `json:"offsets"`
	Text    string     `json:"text"`
	Tokens  []cliToken `json:"tokens"`
}

type cliToken struct {
	Text    string     `json:"text"`
	Offsets cliOffsets `json:"offsets"`
}

// cliOffsets are milliseconds.
type cliOffsets struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func parseCLIOutput(raw []byte) (*Result, error) {
	var out cliOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode whisper-cli json: %w", err)
	}
	res := &Result{Language: out.Result.Language}
	for _, s := range out.Transcription {
		res.Segments = append(res.Segments, subtitle.Segment{
			StartSeconds: msToSeconds(s.Offsets.From),
			EndSeconds:   msToSeconds(s.Offsets.To),
			Text:         strings.TrimSpace(s.Text),
			Words:        tokensToWords(s.Tokens),
		})
	}
	return res, nil
}

// tokensToWords joins sub-word tokens into words. A token starting with a
// space begins a new word; special tokens like [_BEG_] are skipped.
func tokensToWords(tokens []cliToken) []subtitle.WordTiming {
	var words []subtitle.WordTiming
	for _, tok := range tokens {
		if tok.Text == "" || strings.HasPrefix(tok.Text, "[_") {
			continue
		}
		start, end := msToSeconds(tok.Offsets.From), msToSeconds(tok.Offsets.To)
		if len(words) > 0 && !strings.HasPrefix(tok.Text, " ") {
			last := &words[len(words)-1]
			last.Text += tok.Text
			last.EndSeconds = end
			continue
		}
		text := strings.TrimSpace(tok.Text)
		if text == "" {
			continue
		}
		words = append(words, subtitle.WordTiming{Text: text, StartSeconds: start, EndSeconds: end})
	}
	return words
}

func msToSeconds(ms int64) float64 {
	return float64(ms) / 1000
}

// execLines runs name and streams stderr line by line. The last lines are
// kept for the error message.
func execLines(ctx context.Context, name string, args []string, onLine func(string)) error {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	var tail []string
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sc.Text()
		onLine(line)
		tail = append(tail, line)
		if len(tail) > 10 {
			tail = tail[1:]
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.Join(tail, "\n"))
	}
	return nil
}
