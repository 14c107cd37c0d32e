// Package config loads the JSON configuration of the replay command.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/banshee-data/holistic.replay/internal/pipeline"
	"github.com/banshee-data/holistic.replay/internal/sensor"
)

// DefaultConfigPath is the path to the canonical replay defaults file.
const DefaultConfigPath = "config/replay.defaults.json"

// DefaultSource is the recording replayed when no source is given.
const DefaultSource = "recordings/recording.tar.gz"

// Camera outputs the replay loop can display.
const (
	CameraOutputPreview = "preview"
	CameraOutputVideo   = "video"
)

// ReplayConfig is the replay configuration. Every field is optional; the
// Get* methods return the default for fields left unset.
type ReplayConfig struct {
	Source *string `json:"source,omitempty"`

	// Camera node
	BoardSocket   *string  `json:"board_socket,omitempty"`
	Resolution    *string  `json:"resolution,omitempty"`
	VideoWidth    *int     `json:"video_width,omitempty"`
	VideoHeight   *int     `json:"video_height,omitempty"`
	PreviewWidth  *int     `json:"preview_width,omitempty"`
	PreviewHeight *int     `json:"preview_height,omitempty"`
	FPS           *float64 `json:"fps,omitempty"`
	CameraOutput  *string  `json:"camera_output,omitempty"` // "preview" or "video"

	// IMU node; a rate of 0 disables the channel
	AccelerometerRateHz  *int `json:"accelerometer_rate_hz,omitempty"`
	GyroscopeRateHz      *int `json:"gyroscope_rate_hz,omitempty"`
	BatchReportThreshold *int `json:"batch_report_threshold,omitempty"`
	MaxBatchReports      *int `json:"max_batch_reports,omitempty"`

	// Output queues
	QueueSize     *int  `json:"queue_size,omitempty"`
	QueueBlocking *bool `json:"queue_blocking,omitempty"`

	// Playback
	PlaybackRate *float64 `json:"playback_rate,omitempty"` // 0 replays as fast as possible
	Loop         *bool    `json:"loop,omitempty"`

	// Display
	Window        *string `json:"window,omitempty"`
	CancelKey     *string `json:"cancel_key,omitempty"`
	KeyWait       *string `json:"key_wait,omitempty"` // duration string like "1ms"
	Listen        *string `json:"listen,omitempty"`
	SnapshotDir   *string `json:"snapshot_dir,omitempty"`
	SnapshotEvery *int    `json:"snapshot_every,omitempty"`
	JPEGQuality   *int    `json:"jpeg_quality,omitempty"`

	// Side outputs
	IMUDatabase *string `json:"imu_db,omitempty"`
	Report      *string `json:"report,omitempty"`
	Quiet       *bool   `json:"quiet,omitempty"`
}

// EmptyReplayConfig returns a ReplayConfig with every field unset.
func EmptyReplayConfig() *ReplayConfig {
	return &ReplayConfig{}
}

// LoadReplayConfig loads a ReplayConfig from a JSON file. The file must have
// a .json extension and be at most 1MB. Omitted fields keep their defaults.
func LoadReplayConfig(path string) (*ReplayConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyReplayConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath from the working directory or
// a parent of it. It panics when the file cannot be found; tests use it.
func MustLoadDefaultConfig() *ReplayConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath, // from internal/config/
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadReplayConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *ReplayConfig) Validate() error {
	if c.Source != nil && strings.TrimSpace(*c.Source) == "" {
		return fmt.Errorf("source must not be empty")
	}
	if c.BoardSocket != nil {
		if _, err := sensor.ParseBoardSocket(*c.BoardSocket); err != nil {
			return err
		}
	}
	if c.Resolution != nil {
		if _, err := pipeline.ParseSensorResolution(*c.Resolution); err != nil {
			return err
		}
	}
	for name, v := range map[string]*int{
		"video_width":    c.VideoWidth,
		"video_height":   c.VideoHeight,
		"preview_width":  c.PreviewWidth,
		"preview_height": c.PreviewHeight,
		"queue_size":     c.QueueSize,
		"snapshot_every": c.SnapshotEvery,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, *v)
		}
	}
	if c.FPS != nil && *c.FPS <= 0 {
		return fmt.Errorf("fps must be positive, got %f", *c.FPS)
	}
	if c.CameraOutput != nil && *c.CameraOutput != CameraOutputPreview && *c.CameraOutput != CameraOutputVideo {
		return fmt.Errorf("camera_output must be %q or %q, got %q", CameraOutputPreview, CameraOutputVideo, *c.CameraOutput)
	}

	if c.AccelerometerRateHz != nil && *c.AccelerometerRateHz < 0 {
		return fmt.Errorf("accelerometer_rate_hz must be non-negative, got %d", *c.AccelerometerRateHz)
	}
	if c.GyroscopeRateHz != nil && *c.GyroscopeRateHz < 0 {
		return fmt.Errorf("gyroscope_rate_hz must be non-negative, got %d", *c.GyroscopeRateHz)
	}
	if c.GetAccelerometerRateHz() == 0 && c.GetGyroscopeRateHz() == 0 {
		return fmt.Errorf("at least one IMU sensor must be enabled")
	}
	if c.GetBatchReportThreshold() < 1 || c.GetMaxBatchReports() < 1 {
		return fmt.Errorf("batch_report_threshold and max_batch_reports must be positive")
	}
	if c.GetBatchReportThreshold() > c.GetMaxBatchReports() {
		return fmt.Errorf("batch_report_threshold %d exceeds max_batch_reports %d",
			c.GetBatchReportThreshold(), c.GetMaxBatchReports())
	}

	if c.PlaybackRate != nil && *c.PlaybackRate < 0 {
		return fmt.Errorf("playback_rate must be non-negative, got %f", *c.PlaybackRate)
	}

	if c.Window != nil && *c.Window == "" {
		return fmt.Errorf("window must not be empty")
	}
	if c.CancelKey != nil && utf8.RuneCountInString(*c.CancelKey) != 1 {
		return fmt.Errorf("cancel_key must be a single character, got %q", *c.CancelKey)
	}
	if c.KeyWait != nil && *c.KeyWait != "" {
		d, err := time.ParseDuration(*c.KeyWait)
		if err != nil {
			return fmt.Errorf("invalid key_wait '%s': %w", *c.KeyWait, err)
		}
		if d < 0 {
			return fmt.Errorf("key_wait must be non-negative, got %s", d)
		}
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", *c.JPEGQuality)
	}
	if c.Report != nil && *c.Report != "" {
		switch strings.ToLower(filepath.Ext(*c.Report)) {
		case ".png", ".html", ".htm":
		default:
			return fmt.Errorf("report must end in .png or .html, got %q", *c.Report)
		}
	}
	return nil
}

// GetSource returns the recording path or DefaultSource.
func (c *ReplayConfig) GetSource() string {
	if c.Source == nil || *c.Source == "" {
		return DefaultSource
	}
	return *c.Source
}

// GetBoardSocket returns the camera socket or CAM_A.
func (c *ReplayConfig) GetBoardSocket() sensor.BoardSocket {
	if c.BoardSocket == nil {
		return sensor.CamA
	}
	s, err := sensor.ParseBoardSocket(*c.BoardSocket)
	if err != nil {
		return sensor.CamA
	}
	return s
}

// GetResolution returns the sensor resolution or THE_1080_P.
func (c *ReplayConfig) GetResolution() pipeline.SensorResolution {
	if c.Resolution == nil {
		return pipeline.Resolution1080P
	}
	r, err := pipeline.ParseSensorResolution(*c.Resolution)
	if err != nil {
		return pipeline.Resolution1080P
	}
	return r
}

// GetVideoSize returns the video size or 1920x1080.
func (c *ReplayConfig) GetVideoSize() (width, height int) {
	return intOr(c.VideoWidth, 1920), intOr(c.VideoHeight, 1080)
}

// GetPreviewSize returns the preview size or 300x300.
func (c *ReplayConfig) GetPreviewSize() (width, height int) {
	return intOr(c.PreviewWidth, 300), intOr(c.PreviewHeight, 300)
}

// GetFPS returns the camera frame rate or 30.
func (c *ReplayConfig) GetFPS() float64 {
	if c.FPS == nil {
		return 30
	}
	return *c.FPS
}

// GetCameraOutput returns which camera output is displayed.
func (c *ReplayConfig) GetCameraOutput() string {
	if c.CameraOutput == nil || *c.CameraOutput == "" {
		return CameraOutputPreview
	}
	return *c.CameraOutput
}

// GetAccelerometerRateHz returns the accelerometer rate or 500.
func (c *ReplayConfig) GetAccelerometerRateHz() int {
	return intOr(c.AccelerometerRateHz, 500)
}

// GetGyroscopeRateHz returns the gyroscope rate or 400.
func (c *ReplayConfig) GetGyroscopeRateHz() int {
	return intOr(c.GyroscopeRateHz, 400)
}

// GetBatchReportThreshold returns the IMU batch threshold or 1.
func (c *ReplayConfig) GetBatchReportThreshold() int {
	return intOr(c.BatchReportThreshold, 1)
}

// GetMaxBatchReports returns the IMU max batch or 10.
func (c *ReplayConfig) GetMaxBatchReports() int {
	return intOr(c.MaxBatchReports, 10)
}

// GetQueueSize returns the output queue size.
func (c *ReplayConfig) GetQueueSize() int {
	return intOr(c.QueueSize, pipeline.DefaultQueueSize)
}

// GetQueueBlocking returns whether output queues block the producer.
func (c *ReplayConfig) GetQueueBlocking() bool {
	return boolOr(c.QueueBlocking, pipeline.DefaultQueueBlocking)
}

// GetPlaybackRate returns the playback rate or 1.
func (c *ReplayConfig) GetPlaybackRate() float64 {
	if c.PlaybackRate == nil {
		return 1
	}
	return *c.PlaybackRate
}

// GetLoop returns whether the recording restarts when it ends.
func (c *ReplayConfig) GetLoop() bool {
	return boolOr(c.Loop, false)
}

// GetWindow returns the display window name or "video".
func (c *ReplayConfig) GetWindow() string {
	return stringOr(c.Window, "video")
}

// GetCancelKey returns the key that stops the replay, 'q' by default.
func (c *ReplayConfig) GetCancelKey() rune {
	if c.CancelKey == nil {
		return 'q'
	}
	r, size := utf8.DecodeRuneInString(*c.CancelKey)
	if size == 0 {
		return 'q'
	}
	return r
}

// GetKeyWait returns how long each iteration waits for a key, 1ms by default.
func (c *ReplayConfig) GetKeyWait() time.Duration {
	if c.KeyWait == nil || *c.KeyWait == "" {
		return time.Millisecond
	}
	d, err := time.ParseDuration(*c.KeyWait)
	if err != nil {
		return time.Millisecond
	}
	return d
}

// GetListen returns the browser viewer address; empty disables it.
func (c *ReplayConfig) GetListen() string {
	return stringOr(c.Listen, "")
}

// GetSnapshotDir returns the snapshot directory; empty disables snapshots.
func (c *ReplayConfig) GetSnapshotDir() string {
	return stringOr(c.SnapshotDir, "")
}

// GetSnapshotEvery returns how many frames pass between snapshots.
func (c *ReplayConfig) GetSnapshotEvery() int {
	return intOr(c.SnapshotEvery, 30)
}

// GetJPEGQuality returns the JPEG quality for viewer frames and snapshots.
func (c *ReplayConfig) GetJPEGQuality() int {
	return intOr(c.JPEGQuality, 80)
}

// GetIMUDatabase returns the SQLite path for IMU samples; empty disables it.
func (c *ReplayConfig) GetIMUDatabase() string {
	return stringOr(c.IMUDatabase, "")
}

// GetReport returns the report path; empty disables the report.
func (c *ReplayConfig) GetReport() string {
	return stringOr(c.Report, "")
}

// GetQuiet returns whether IMU printing is suppressed.
func (c *ReplayConfig) GetQuiet() bool {
	return boolOr(c.Quiet, false)
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
