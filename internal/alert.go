package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/ksuid"
	"golang.org/x/exp/slog"
)

type Category string

const (
	CategoryClimbing   Category = "climbing"
	CategoryFall       Category = "fall"
	CategorySuspicious Category = "suspicious"
)

// The detector does not report a confidence yet.
const defaultConfidence = 95

// AlertReport is what the inference sidecar posts when it sees something.
type AlertReport struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	Timestamp   float64 `json:"timestamp"`
	ImageBase64 string  `json:"image_base64"`
}

type Keypoint struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score"`
}

type Center struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type AlertRecord struct {
	ID         string     `json:"_id"`
	Category   Category   `json:"alertType"`
	Message    string     `json:"message"`
	Confidence int        `json:"confidence"`
	ImageURL   string     `json:"imageUrl"`
	Timestamp  time.Time  `json:"timestamp"`
	Keypoints  []Keypoint `json:"keypoints"`
	Center     Center     `json:"center"`
}

type alertMessage struct {
	Type Kind `json:"type"`
	AlertRecord
}

// AlertMessage renders the record the way observers receive it.
func AlertMessage(record AlertRecord) ([]byte, error) {
	return json.Marshal(alertMessage{Type: KindAlert, AlertRecord: record})
}

// ClassifyAlert maps a detector status onto an alert category and the text
// shown on the dashboard. ok is false for statuses that are not worth an
// alert, in which case display holds the reason.
func ClassifyAlert(status, message string) (category Category, display string, ok bool) {
	switch status {
	case "GREEN":
		return "", "Safe status", false
	case "YELLOW", "NORMAL":
		return "", fmt.Sprintf("%v status", status), false
	case "FALL":
		return CategoryFall, "Person fall detected", true
	case "CLIMB":
		return CategoryClimbing, "Wall climbing detected", true
	case "RED":
		msg := strings.ToLower(message)

		switch {
		case containsAny(msg, "nga", "fall"):
			return CategoryFall, "Person fall detected", true
		case containsAny(msg, "leo", "treo", "climb"):
			return CategoryClimbing, "Wall climbing detected", true
		case containsAny(msg, "giau", "quay", "hide", "turn"):
			return CategorySuspicious, "Warning: face hidden / turned away", true
		}

		return CategorySuspicious, message, true
	}

	return CategoryClimbing, message, true
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}

	return false
}

// NewAlertRecord builds a record for a report that ClassifyAlert accepted.
func NewAlertRecord(report AlertReport, category Category, display string, now time.Time) (AlertRecord, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return AlertRecord{}, err
	}

	ts := now
	if report.Timestamp > 0 {
		ts = time.UnixMilli(int64(report.Timestamp * 1000))
	}

	imageURL := ""
	if report.ImageBase64 != "" {
		imageURL = fmt.Sprintf("data:image/jpeg;base64,%v", report.ImageBase64)
	}

	return AlertRecord{
		ID:         id.String(),
		Category:   category,
		Message:    display,
		Confidence: defaultConfidence,
		ImageURL:   imageURL,
		Timestamp:  ts.UTC(),
		Keypoints:  []Keypoint{},
		Center:     Center{X: 0.5, Y: 0.5},
	}, nil
}

type AlertStore interface {
	Save(ctx context.Context, record AlertRecord) error
}

// RedisAlertStore keeps each alert as a hash and indexes ids by time.
type RedisAlertStore struct {
	rdb *redis.Client
}

func NewRedisAlertStore(rdb *redis.Client) *RedisAlertStore {
	return &RedisAlertStore{rdb: rdb}
}

const alertIndexKey = "relay:alerts"

func alertKey(id string) string {
	return fmt.Sprintf("relay:alert:%v", id)
}

func (s *RedisAlertStore) Save(ctx context.Context, record AlertRecord) error {
	b, err := json.Marshal(record)
	if err != nil {
		return err
	}

	hashmap := map[string]any{
		"type":         string(record.Category),
		"data":         string(b),
		"acknowledged": 0,
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, alertKey(record.ID), hashmap)
		pipe.ZAdd(ctx, alertIndexKey, redis.Z{Score: float64(record.Timestamp.UnixMilli()), Member: record.ID})
		return nil
	})

	return err
}

func (s *RedisAlertStore) Load(ctx context.Context, id string) (AlertRecord, error) {
	record := AlertRecord{}

	res, err := s.rdb.HGet(ctx, alertKey(id), "data").Result()
	if err != nil {
		return record, err
	}

	err = json.Unmarshal([]byte(res), &record)
	return record, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// AlertRoute ingests detector reports. Accepted alerts are stored and then
// handed to publish, which gets them to the observers of every instance.
func AlertRoute(
	logger *slog.Logger,
	store AlertStore,
	publish func(ctx context.Context, payload []byte) error,
	verifier RequestVerifier,
	maxBytes int64,
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if verifier != nil && verifier(r) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		report := AlertReport{}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes)).Decode(&report); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"success": false, "error": "alert too large"})
				return
			}

			writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "malformed alert"})
			return
		}

		log := logger.With(slog.String("status", report.Status))

		category, display, ok := ClassifyAlert(report.Status, report.Message)
		if !ok {
			log.Debug("alert skipped", slog.String("reason", display))
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "skipped": true, "reason": display})
			return
		}

		record, err := NewAlertRecord(report, category, display, time.Now())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
			return
		}

		ctx := r.Context()

		if err := store.Save(ctx, record); err != nil {
			log.Error("failed to store alert", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "failed to store alert"})
			return
		}

		payload, err := AlertMessage(record)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
			return
		}

		if err := publish(ctx, payload); err != nil {
			log.Error("failed to publish alert", err)
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "failed to publish alert"})
			return
		}

		log.Info("alert raised", slog.String("alert", record.ID), slog.String("category", string(category)))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "alertId": record.ID})
	}
}
