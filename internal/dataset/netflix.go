package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// maxLine bounds a single input line.
const maxLine = 1 << 20

// ReadNetflix parses the Netflix prize text layout into b:
//
//	1:
//	1488844,3,2005-09-06
//	822109,5,2005-05-13
//	2:
//	...
//
// A line ending in ':' opens the records of that feature id. Every other
// non-empty line is "entity,value[,anything]".
func ReadNetflix(r io.Reader, b *Builder) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)

	var (
		feature uint16
		open    bool
		line    int
	)
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasSuffix(text, ":") {
			id, err := strconv.ParseUint(strings.TrimSuffix(text, ":"), 10, 16)
			if err != nil {
				return fmt.Errorf("%w: line %d: bad feature header %q", ErrDataSource, line, text)
			}
			feature = uint16(id)
			open = true
			continue
		}
		if !open {
			return fmt.Errorf("%w: line %d: record before any feature header", ErrDataSource, line)
		}
		fields := strings.Split(text, ",")
		if len(fields) < 2 {
			return fmt.Errorf("%w: line %d: expected entity,value", ErrDataSource, line)
		}
		entity, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 32)
		if err != nil {
			return fmt.Errorf("%w: line %d: bad entity id: %v", ErrDataSource, line, err)
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err != nil {
			return fmt.Errorf("%w: line %d: bad value: %v", ErrDataSource, line, err)
		}
		b.Add(Record{Entity: uint32(entity), Feature: feature, Value: value})
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDataSource, err)
	}
	return nil
}

// Load reads the dataset at locator. A file is parsed directly; a directory
// contributes every regular file inside it in lexical order, so the split
// combined_data_N.txt files land in the same dataset.
func Load(locator string) (*Dataset, error) {
	info, err := os.Stat(locator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
	}

	files := []string{locator}
	if info.IsDir() {
		entries, err := os.ReadDir(locator)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDataSource, err)
		}
		files = files[:0]
		for _, e := range entries {
			if e.Type().IsRegular() {
				files = append(files, filepath.Join(locator, e.Name()))
			}
		}
		sort.Strings(files)
	}

	b := NewBuilder()
	for _, name := range files {
		if err := readFile(name, b); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

func readFile(name string, b *Builder) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataSource, err)
	}
	defer f.Close()
	if err := ReadNetflix(f, b); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(name), err)
	}
	return nil
}
