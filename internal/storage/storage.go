// Package storage persists prediction audit records and the model version
// registry. It uses BoltDB as the underlying storage engine.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"precept-serve/internal/common"

	"go.etcd.io/bbolt"
)

const (
	predictionsBucket = "predictions" // Prediction audit records
	modelsBucket      = "models"      // Registered model versions

	// DBFile is the database file name under the data path.
	DBFile = "precept-data.db"
)

// Store provides persistent storage for predictions and model versions.
type Store struct {
	db *bbolt.DB
}

// New opens (creating if needed) the database under dataPath.
func New(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbPath := filepath.Join(dataPath, DBFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(modelsBucket)); err != nil {
			return fmt.Errorf("create models bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Closing twice is safe.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PredictionRecord is one audited prediction.
type PredictionRecord struct {
	ModelVersion string        `json:"model_version"`
	RequestID    string        `json:"request_id,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
	Input        common.Vector `json:"input"`
	Output       common.Vector `json:"output"`
	LatencyMs    float64       `json:"latency_ms"`
}

// StorePrediction appends a prediction record keyed by model version and time.
func (s *Store) StorePrediction(rec PredictionRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal prediction: %w", err)
		}

		key := predictionKey(rec.ModelVersion, rec.Timestamp)
		// records landing on the same nanosecond get a sequence suffix
		for b.Get(key) != nil {
			seq, _ := b.NextSequence()
			key = append(predictionKey(rec.ModelVersion, rec.Timestamp), []byte(fmt.Sprintf("_%d", seq))...)
		}
		return b.Put(key, data)
	})
}

// GetPredictions returns the records of one model version whose timestamps
// fall within [start, end], oldest first.
func (s *Store) GetPredictions(version string, start, end time.Time) ([]PredictionRecord, error) {
	var records []PredictionRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(predictionsBucket)).Cursor()

		prefix := []byte(version + "_")
		startKey := predictionKey(version, start)
		endKey := predictionKey(version, end)

		for k, v := c.Seek(startKey); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if bytes.Compare(k[:min(len(k), len(endKey))], endKey) > 0 {
				break
			}
			var rec PredictionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // Skip malformed records
			}
			records = append(records, rec)
		}
		return nil
	})

	return records, err
}

// CountPredictions returns the number of stored prediction records.
func (s *Store) CountPredictions() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(predictionsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// predictionKey zero-pads the timestamp so keys sort chronologically.
func predictionKey(version string, ts time.Time) []byte {
	return []byte(fmt.Sprintf("%s_%020d", version, ts.UnixNano()))
}
