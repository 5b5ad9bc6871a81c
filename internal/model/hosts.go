package model

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// ReadHosts reads newline delimited hostnames. Values are trimmed, blank
// lines and lines starting with # are skipped and duplicates removed.
// The order of first occurrence is kept.
func ReadHosts(r io.Reader) ([]HostTask, error) {
	seen := make(map[string]struct{})
	var ret []HostTask
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		ret = append(ret, HostTask{Hostname: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// LoadHosts reads a host file. Any failure is a startup error.
func LoadHosts(path string) ([]HostTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening host file: %w", ErrStartup, err)
	}
	defer func() {
		_ = f.Close()
	}()
	hosts, err := ReadHosts(f)
	if err != nil {
		return nil, fmt.Errorf("%w: reading host file %s: %w", ErrStartup, path, err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: host file %s contains no hosts", ErrStartup, path)
	}
	return hosts, nil
}
