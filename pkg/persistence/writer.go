package persistence

import (
	"fmt"
	"os"

	"txkv/pkg/dberrors"
	"txkv/pkg/types"
)

// WriteTable saves entries as generation p of dir and returns it mapped for
// reading. Entries must be in strictly ascending key order and payloadSize
// must equal the sum of their key and value lengths; any disagreement fails
// the save without publishing anything. An empty input writes nothing and
// returns a nil table.
//
// Both files are built under temporary names and renamed into place once
// synced, so readers never see a partially written table.
func WriteTable(dir string, p types.Priority, entries []types.Entry, payloadSize int64, fpRate float64) (*Table, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	dataPath, offsetsPath := tablePaths(dir, p)
	dataTmp, offsetsTmp := dataPath+tmpSuffix, offsetsPath+tmpSuffix

	var bloom *BloomFilter
	if fpRate > 0 {
		bloom = NewBloomFilter(len(entries), fpRate)
	}

	err := writeTableFiles(dataTmp, offsetsTmp, entries, payloadSize, bloom)
	if err != nil {
		removeFile(dataTmp)
		removeFile(offsetsTmp)
		return nil, err
	}

	// data goes last: a data file on disk always has its offsets next to it
	if err := os.Rename(offsetsTmp, offsetsPath); err != nil {
		removeFile(dataTmp)
		removeFile(offsetsTmp)
		return nil, fmt.Errorf("failed to publish offsets file: %w", err)
	}
	if err := os.Rename(dataTmp, dataPath); err != nil {
		removeFile(dataTmp)
		removeFile(offsetsPath)
		return nil, fmt.Errorf("failed to publish data file: %w", err)
	}
	syncDir(dir)

	t, err := OpenTable(dir, p, 0)
	if err != nil {
		return nil, err
	}
	t.bloom = bloom
	return t, nil
}

func writeTableFiles(dataPath, offsetsPath string, entries []types.Entry, payloadSize int64, bloom *BloomFilter) (err error) {
	count := int64(len(entries))
	if payloadSize < 0 {
		return fmt.Errorf("negative payload size %d: %w", payloadSize, dberrors.ErrSizeMismatch)
	}

	data, err := CreateRegion(dataPath, payloadSize+2*lenSize*count)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := data.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	offsets, err := CreateRegion(offsetsPath, lenSize*count)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := offsets.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	err = encodeRecords(data, entries, func(i int, off int64) error {
		if i > 0 && types.CompareKeys(entries[i-1].Key, entries[i].Key) >= 0 {
			return fmt.Errorf("entry %d is not in ascending key order: %w", i, dberrors.ErrInvalidArgument)
		}
		if bloom != nil {
			bloom.Add(entries[i].Key)
		}
		return offsets.PutUint64(int64(i)*lenSize, uint64(off))
	})
	if err != nil {
		return err
	}

	if err := data.Sync(); err != nil {
		return err
	}
	return offsets.Sync()
}
