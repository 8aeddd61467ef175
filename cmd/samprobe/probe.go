package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voiq/sam/internal/audio"
	"github.com/voiq/sam/internal/protocol"
	"github.com/voiq/sam/internal/reliability"
)

const (
	probeSampleRate = 16000
	toneFrequencyHz = 220
	toneAmplitude   = 0.5
)

type options struct {
	baseURL     string
	deviceID    string
	locale      string
	turns       int
	chunkMS     int
	realtime    float64
	wavPath     string
	toneMS      int
	dumpWAV     string
	turnTimeout time.Duration
	startDelay  time.Duration
	verbose     bool
	out         io.Writer
}

type audioClip struct {
	PCM16LE    []byte
	SampleRate int
}

// turnResult is what the probe saw of one turn.
type turnResult struct {
	Index       int
	TurnID      string
	Outcome     string
	Transcript  string
	Speech      string
	ErrorCode   string
	AudioChunks int
	Elapsed     time.Duration
	// FirstAudio is measured from the stop action to the first assistant audio chunk.
	FirstAudio time.Duration
	assistant  []byte
}

// serverMessage covers the fields of every server message the probe reads.
type serverMessage struct {
	Type        string `json:"type"`
	TurnID      string `json:"turn_id"`
	State       string `json:"state"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
	Speech      string `json:"speech"`
	Outcome     string `json:"outcome"`
	Transcript  string `json:"transcript"`
	Code        string `json:"code"`
	Detail      string `json:"detail"`
	Format      string `json:"format"`
	AudioBase64 string `json:"audio_base64"`
}

func runProbe(ctx context.Context, opts options) ([]turnResult, error) {
	if opts.out == nil {
		opts.out = io.Discard
	}
	clip, err := loadClip(opts)
	if err != nil {
		return nil, fmt.Errorf("prepare audio: %w", err)
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	sessionID, err := createSession(ctx, httpClient, opts)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, opts.baseURL, sessionID)
	}()
	fmt.Fprintf(opts.out, "samprobe: session=%s turns=%d chunk_ms=%d realtime=%.2f audio_bytes=%d\n",
		sessionID, opts.turns, opts.chunkMS, opts.realtime, len(clip.PCM16LE))

	conn, err := dialWithBackoff(ctx, opts.baseURL, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	messages := make(chan serverMessage, 512)
	readErr := make(chan error, 1)
	go readLoop(conn, messages, readErr)

	if err := awaitIdle(messages, readErr, opts.turnTimeout); err != nil {
		return nil, fmt.Errorf("await idle: %w", err)
	}
	if opts.startDelay > 0 {
		time.Sleep(opts.startDelay)
	}

	var results []turnResult
	seq := 0
	for i := 0; i < opts.turns; i++ {
		res, err := runTurn(conn, messages, readErr, sessionID, clip, opts, &seq)
		res.Index = i + 1
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("turn %d: %w", i+1, err)
		}
		fmt.Fprintf(opts.out, "samprobe: turn %d outcome=%s elapsed=%s transcript=%q speech=%q\n",
			res.Index, res.Outcome, res.Elapsed.Round(time.Millisecond), res.Transcript, res.Speech)
		if err := awaitIdle(messages, readErr, opts.turnTimeout); err != nil {
			return results, fmt.Errorf("turn %d await idle: %w", i+1, err)
		}
	}

	if opts.dumpWAV != "" && len(results) > 0 {
		last := results[len(results)-1]
		if len(last.assistant) == 0 {
			fmt.Fprintf(opts.out, "samprobe: no assistant audio to dump\n")
		} else if err := audio.WriteWAVPCM16LEFile(opts.dumpWAV, last.assistant, probeSampleRate); err != nil {
			return results, fmt.Errorf("dump wav: %w", err)
		} else {
			fmt.Fprintf(opts.out, "samprobe: wrote %d bytes of assistant audio to %s\n", len(last.assistant), opts.dumpWAV)
		}
	}
	return results, nil
}

func loadClip(opts options) (audioClip, error) {
	if opts.wavPath == "" {
		return audioClip{
			PCM16LE:    audio.Tone(probeSampleRate, toneFrequencyHz, toneAmplitude, opts.toneMS, 200),
			SampleRate: probeSampleRate,
		}, nil
	}
	data, err := os.ReadFile(opts.wavPath)
	if err != nil {
		return audioClip{}, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return audioClip{}, fmt.Errorf("decode %s: %w", opts.wavPath, err)
	}
	if len(pcm) == 0 {
		return audioClip{}, fmt.Errorf("%s holds no samples", opts.wavPath)
	}
	return audioClip{PCM16LE: pcm, SampleRate: rate}, nil
}

func createSession(ctx context.Context, client *http.Client, opts options) (string, error) {
	payload, err := json.Marshal(map[string]string{"device_id": opts.deviceID, "locale": opts.locale})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.baseURL+"/v1/voice/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/voice/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// dialWithBackoff retries the websocket handshake while the server is starting up.
// A 4xx reply is final.
func dialWithBackoff(ctx context.Context, baseURL, sessionID string) (*websocket.Conn, error) {
	wsURL, err := wsURLForSession(baseURL, sessionID)
	if err != nil {
		return nil, err
	}
	var conn *websocket.Conn
	err = reliability.Retry(ctx, reliability.DefaultPolicy, func(int) error {
		c, res, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			if res != nil && res.StatusCode >= 400 && !reliability.IsRetryableHTTPStatus(res.StatusCode) {
				return reliability.Permanent(fmt.Errorf("HTTP %d: %w", res.StatusCode, err))
			}
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

func readLoop(conn *websocket.Conn, messages chan<- serverMessage, readErr chan<- error) {
	defer close(messages)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		messages <- msg
	}
}

var errConnClosed = errors.New("connection closed")

func nextMessage(messages <-chan serverMessage, readErr <-chan error, timer <-chan time.Time) (serverMessage, error) {
	select {
	case msg, ok := <-messages:
		if !ok {
			select {
			case err := <-readErr:
				return serverMessage{}, err
			default:
				return serverMessage{}, errConnClosed
			}
		}
		return msg, nil
	case <-timer:
		return serverMessage{}, fmt.Errorf("timeout")
	}
}

// awaitIdle waits for an idle state with the mic enabled.
func awaitIdle(messages <-chan serverMessage, readErr <-chan error, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		msg, err := nextMessage(messages, readErr, timer.C)
		if err != nil {
			return err
		}
		if msg.Type == string(protocol.TypeStateChanged) && msg.State == "idle" {
			return nil
		}
	}
}

func runTurn(conn *websocket.Conn, messages <-chan serverMessage, readErr <-chan error, sessionID string, clip audioClip, opts options, seq *int) (turnResult, error) {
	var res turnResult
	started := time.Now()
	if err := sendControl(conn, sessionID, protocol.ActionTap); err != nil {
		return res, fmt.Errorf("send tap: %w", err)
	}
	if err := sendTurnAudio(conn, sessionID, clip, opts.chunkMS, opts.realtime, seq); err != nil {
		return res, fmt.Errorf("send audio: %w", err)
	}
	stopped := time.Now()
	if err := sendControl(conn, sessionID, protocol.ActionStop); err != nil {
		return res, fmt.Errorf("send stop: %w", err)
	}

	timer := time.NewTimer(opts.turnTimeout)
	defer timer.Stop()
	for {
		msg, err := nextMessage(messages, readErr, timer.C)
		if err != nil {
			return res, fmt.Errorf("await turn_end: %w", err)
		}
		if opts.verbose && msg.Type != string(protocol.TypeAudioLevel) {
			fmt.Fprintf(opts.out, "samprobe:   <- %s state=%s code=%s text=%q\n", msg.Type, msg.State, msg.Code, msg.Text)
		}
		switch protocol.MessageType(msg.Type) {
		case protocol.TypeIntentResult:
			res.Speech = msg.Speech
		case protocol.TypeAssistantAudio:
			if res.AudioChunks == 0 {
				res.FirstAudio = time.Since(stopped)
			}
			res.AudioChunks++
			if pcm, err := base64.StdEncoding.DecodeString(msg.AudioBase64); err == nil {
				res.assistant = append(res.assistant, pcm...)
			}
		case protocol.TypeErrorEvent:
			res.ErrorCode = msg.Code
			fmt.Fprintf(opts.out, "samprobe: error_event code=%s detail=%s\n", msg.Code, msg.Detail)
		case protocol.TypeTurnEnd:
			res.TurnID = msg.TurnID
			res.Outcome = msg.Outcome
			res.Transcript = msg.Transcript
			res.Elapsed = time.Since(started)
			return res, nil
		}
	}
}

func sendControl(conn *websocket.Conn, sessionID, action string) error {
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    action,
		TSMs:      time.Now().UnixMilli(),
	})
}

func sendTurnAudio(conn *websocket.Conn, sessionID string, clip audioClip, chunkMS int, realtime float64, seq *int) error {
	sampleRate := clip.SampleRate
	if sampleRate <= 0 {
		sampleRate = probeSampleRate
	}
	for _, chunk := range chunkPCM(clip.PCM16LE, sampleRate, chunkMS) {
		*seq = *seq + 1
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         *seq,
			PCM16Base64: base64.StdEncoding.EncodeToString(chunk),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		pace := time.Duration(float64(time.Duration(len(chunk))*time.Second/time.Duration(sampleRate*2)) / realtime)
		time.Sleep(pace)
	}
	return nil
}

// chunkPCM splits PCM16 audio into chunks of chunkMS, each a whole number of samples.
func chunkPCM(pcm []byte, sampleRate, chunkMS int) [][]byte {
	size := sampleRate * 2 * chunkMS / 1000
	if size%2 != 0 {
		size++
	}
	if size < 2 {
		size = 2
	}
	var out [][]byte
	for off := 0; off+1 < len(pcm); off += size {
		end := min(off+size, len(pcm))
		if (end-off)%2 != 0 {
			end--
		}
		out = append(out, pcm[off:end])
	}
	return out
}

func printSummary(w io.Writer, results []turnResult) {
	if len(results) == 0 {
		return
	}
	var total time.Duration
	outcomes := make(map[string]int)
	for _, r := range results {
		total += r.Elapsed
		if r.Outcome != "" {
			outcomes[r.Outcome]++
		}
	}
	fmt.Fprintf(w, "samprobe: %d turns, mean elapsed %s, outcomes %v\n",
		len(results), (total / time.Duration(len(results))).Round(time.Millisecond), outcomes)
}
