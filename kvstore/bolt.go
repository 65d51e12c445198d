package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

const boltFileMode os.FileMode = 0600

var (
	// ErrBoltPathBlank is returned when no database file path is supplied.
	ErrBoltPathBlank = errors.New("kvstore: bolt path must not be blank")

	rootBucket = []byte("viewer_state")
)

// Bolt is a file-backed Backend. Each namespace is a child bucket of a single
// root bucket.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (creating if needed) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrBoltPathBlank
	}

	db, err := bolt.Open(path, boltFileMode, &bolt.Options{Timeout: 30 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("kvstore: open bolt: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create root bucket: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Namespace(name string) Store {
	return &boltStore{db: b.db, ns: []byte(name)}
}

func (b *Bolt) Namespaces(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		if root == nil {
			return nil
		}
		cursor := root.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			// nil values mark nested buckets
			if v == nil {
				out = append(out, string(k))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: list namespaces: %w", err)
	}
	return out, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

type boltStore struct {
	db *bolt.DB
	ns []byte
}

func (s *boltStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rootBucket).Bucket(s.ns)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			// v is only valid for the life of the transaction
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("kvstore: bolt get: %w", err)
	}
	return value, found, nil
}

func (s *boltStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(rootBucket).CreateBucketIfNotExists(s.ns)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("kvstore: bolt set: %w", err)
	}
	return nil
}

func (s *boltStore) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(rootBucket).Bucket(s.ns)
		if bucket == nil {
			return nil
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return err
		}
		if k, _ := bucket.Cursor().First(); k == nil {
			return tx.Bucket(rootBucket).DeleteBucket(s.ns)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("kvstore: bolt remove: %w", err)
	}
	return nil
}

func (s *boltStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(rootBucket).DeleteBucket(s.ns)
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("kvstore: bolt clear: %w", err)
	}
	return nil
}

func (s *boltStore) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var fnErr error
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.Bucket(rootBucket).CreateBucketIfNotExists(s.ns)
		if err != nil {
			return err
		}
		current := bucket.Get([]byte(key))
		next, keep, err := fn(string(current), current != nil)
		if err != nil {
			fnErr = err
			return err
		}
		if keep {
			return bucket.Put([]byte(key), []byte(next))
		}
		if err := bucket.Delete([]byte(key)); err != nil {
			return err
		}
		if k, _ := bucket.Cursor().First(); k == nil {
			return tx.Bucket(rootBucket).DeleteBucket(s.ns)
		}
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("kvstore: bolt update: %w", err)
	}
	return nil
}
