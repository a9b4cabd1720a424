// Package state persists build bookkeeping between runs: input fingerprints for pipes and the
// outcome of the last run of each task.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"

	"github.com/philasting/assetpipe/pkg/stream"
)

var (
	fingerprintBucket = []byte("fingerprints")
	runBucket         = []byte("runs")
)

// Fingerprint describes the inputs and outputs of the last successful run of a pipe
type Fingerprint struct {
	Hash    string
	Outputs []string
	// OutputHash covers the contents of Outputs as written by the run
	OutputHash string
	// Deps are files the steps read besides the sources (included fragments). DepsHash covers
	// their contents at the time of the run.
	Deps     []string
	DepsHash string
	Updated  time.Time
}

// Matches reports whether the fingerprint was recorded for hash, its outputs still have the
// contents the run wrote and none of its extra dependencies changed
func (fp *Fingerprint) Matches(hash string) bool {
	if fp == nil || fp.Hash != hash {
		return false
	}

	outputHash, err := HashFiles(fp.Outputs)
	if err != nil || outputHash != fp.OutputHash {
		return false
	}

	depsHash, err := HashFiles(fp.Deps)
	return err == nil && depsHash == fp.DepsHash
}

// RunRecord describes the outcome of the last run of a task
type RunRecord struct {
	Duration time.Duration
	Error    string
	Finished time.Time
}

// Store wraps the bbolt database
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the state database at path
func Open(path string) (*Store, error) {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create directory for %s", path)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open state database %s (is another build running?)", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{fingerprintBucket, runBucket} {
			_, err := tx.CreateBucketIfNotExists(bucket)
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialise state database")
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(bucket []byte, key string, target interface{}) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}

		found = true
		return gob.NewDecoder(bytes.NewReader(data)).Decode(target)
	})
	if err != nil {
		return false, eris.Wrapf(err, "failed to read %s/%s", bucket, key)
	}

	return found, nil
}

func (s *Store) put(bucket []byte, key string, value interface{}) error {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(value)
	if err != nil {
		return eris.Wrapf(err, "failed to encode %s/%s", bucket, key)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), buf.Bytes())
	})
	if err != nil {
		return eris.Wrapf(err, "failed to write %s/%s", bucket, key)
	}
	return nil
}

// Fingerprint returns the stored fingerprint for key or nil if there is none
func (s *Store) Fingerprint(key string) (*Fingerprint, error) {
	fp := new(Fingerprint)
	found, err := s.get(fingerprintBucket, key, fp)
	if err != nil || !found {
		return nil, err
	}

	return fp, nil
}

// PutFingerprint stores fp for key
func (s *Store) PutFingerprint(key string, fp Fingerprint) error {
	if fp.Updated.IsZero() {
		fp.Updated = time.Now()
	}

	return s.put(fingerprintBucket, key, fp)
}

// DeleteFingerprint forgets the fingerprint for key
func (s *Store) DeleteFingerprint(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(fingerprintBucket).Delete([]byte(key))
	})
}

// RecordRun stores the outcome of a task run
func (s *Store) RecordRun(task string, duration time.Duration, runErr error) error {
	record := RunRecord{
		Duration: duration,
		Finished: time.Now(),
	}
	if runErr != nil {
		record.Error = runErr.Error()
	}

	return s.put(runBucket, task, record)
}

// LastRun returns the outcome of the last run of task or nil if it never ran
func (s *Store) LastRun(task string) (*RunRecord, error) {
	record := new(RunRecord)
	found, err := s.get(runBucket, task, record)
	if err != nil || !found {
		return nil, err
	}

	return record, nil
}

// HashInputs computes a fingerprint hash from a task definition and the files it reads
func HashInputs(definition string, files []*stream.File) string {
	hash := sha256.New()
	hash.Write([]byte(definition))
	hash.Write([]byte{0})

	for _, f := range files {
		hash.Write([]byte(filepath.Join(f.Base, f.Path)))
		hash.Write([]byte{0})
		hash.Write(f.Contents)
		hash.Write([]byte{0})
	}

	return hex.EncodeToString(hash.Sum(nil))
}

// HashFiles hashes the names and contents of the files at paths. Missing files are an error.
func HashFiles(paths []string) (string, error) {
	hash := sha256.New()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", eris.Wrapf(err, "failed to read %s", path)
		}

		hash.Write([]byte(path))
		hash.Write([]byte{0})
		hash.Write(data)
		hash.Write([]byte{0})
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
