package receipt

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/sirupsen/logrus"
)

const sequenceBucket = "receipt_sequences"

// BoltSequenceStore 持久化每个付款方的序列号，重启后不会回滚。
// 每次 Advance 在同一个 bolt 写事务中完成读取、比较与写入，bolt 串行化所有写事务。
type BoltSequenceStore struct {
	db *bolt.DB
}

// OpenBoltSequenceStore 打开（或创建）path 处的 bolt 数据库
func OpenBoltSequenceStore(path string) (*BoltSequenceStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sequenceBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure bucket %s: %w", sequenceBucket, err)
	}

	logrus.WithField("path", path).Info("Receipt ledger opened")
	return &BoltSequenceStore{db: db}, nil
}

func (b *BoltSequenceStore) Advance(payer string, seq uint64) (bool, uint64, error) {
	admitted := false
	last := seq

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sequenceBucket))
		if bucket == nil {
			return fmt.Errorf("bucket '%s' not found", sequenceBucket)
		}

		if v := bucket.Get([]byte(payer)); v != nil {
			prev := binary.BigEndian.Uint64(v)
			if seq <= prev {
				last = prev
				return nil
			}
		}

		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		if err := bucket.Put([]byte(payer), buf[:]); err != nil {
			return err
		}
		admitted = true
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return admitted, last, nil
}

func (b *BoltSequenceStore) Last(payer string) (uint64, bool, error) {
	var last uint64
	found := false

	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sequenceBucket))
		if bucket == nil {
			return fmt.Errorf("bucket '%s' not found", sequenceBucket)
		}
		if v := bucket.Get([]byte(payer)); v != nil {
			last = binary.BigEndian.Uint64(v)
			found = true
		}
		return nil
	})
	return last, found, err
}

func (b *BoltSequenceStore) Close() error {
	return b.db.Close()
}
