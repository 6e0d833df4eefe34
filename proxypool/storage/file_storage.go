package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"outproxy_nexus/internal/shared/logger"
	"outproxy_nexus/proxypool/model"
)

const (
	delimiter = "|"
	numFields = 11 // Scheme|Host|Port|Source|Success|ElapsedMs|LatencyMs|Bytes|Throughput|AtUnixMs|Failure

	// 选择状态行: @state|Scheme|Host|Port|ConsecutiveFailures|Demoted|DemotedAtUnixMs
	statePrefix    = "@state"
	numStateFields = 7
)

// Storage 接口定义了排名数据持久化的行为。
type Storage interface {
	Load() ([]*model.RankedEndpoint, error)
	Save(entries []*model.RankedEndpoint) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
// 每一行是一次探测结果, 同一端点的多行按时间顺序组成它的历史。
// 有失败记录或已降级的端点另有一行 @state, 重启后降级状态不会丢失。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从纯文本文件加载端点及其探测历史。
func (fs *FileStorage) Load() ([]*model.RankedEndpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Endpoint data file not found, starting with an empty pool.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []*model.RankedEndpoint
	byKey := make(map[string]*model.RankedEndpoint)
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, delimiter)
		if fields[0] == statePrefix {
			if len(fields) != numStateFields {
				l.Warn().Int("line", lineNum).Int("expected", numStateFields).Int("got", len(fields)).Msg("Skipping malformed state line in endpoint file.")
				continue
			}
			ep, err := parseEndpoint(fields[1:4], "")
			if err != nil {
				l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse endpoint from state line, skipping.")
				continue
			}
			e, ok := byKey[ep.Key()]
			if !ok {
				e = &model.RankedEndpoint{Endpoint: ep}
				byKey[ep.Key()] = e
				entries = append(entries, e)
			}
			if err := parseState(e, fields[4:]); err != nil {
				l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse endpoint state, skipping.")
			}
			continue
		}
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in endpoint file.")
			continue
		}

		ep, result, err := parseLine(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse endpoint from line, skipping.")
			continue
		}
		e, ok := byKey[ep.Key()]
		if !ok {
			e = &model.RankedEndpoint{Endpoint: ep}
			byKey[ep.Key()] = e
			entries = append(entries, e)
		}
		if e.Endpoint.Source == "" {
			e.Endpoint.Source = ep.Source
		}
		e.History = append(e.History, result)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for _, e := range entries {
		sort.SliceStable(e.History, func(i, j int) bool { return e.History[i].At.Before(e.History[j].At) })
	}

	l.Info().Int("count", len(entries)).Msg("Successfully loaded endpoints from file.")
	return entries, nil
}

// Save 将排名数据持久化到纯文本文件。先写临时文件再改名, 读者不会看到写了一半的文件。
func (fs *FileStorage) Save(entries []*model.RankedEndpoint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	l := logger.WithComponent("ProxyPool/Storage")

	list := make([]*model.RankedEndpoint, 0, len(entries))
	for _, e := range entries {
		if len(e.History) > 0 || e.Demoted || e.ConsecutiveFailures > 0 {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Endpoint.Key() < list[j].Endpoint.Key()
	})

	var sb strings.Builder
	for _, e := range list {
		if e.Demoted || e.ConsecutiveFailures > 0 {
			sb.WriteString(formatState(e))
			sb.WriteString("\n")
		}
		for _, r := range e.History {
			sb.WriteString(formatLine(e.Endpoint, r))
			sb.WriteString("\n")
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(fs.filePath), filepath.Base(fs.filePath)+".tmp*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), fs.filePath); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	l.Debug().Int("count", len(list)).Msg("Saved endpoints to file.")
	return nil
}

// formatLine 将一次探测结果格式化为一行文本。
func formatLine(ep model.Endpoint, r model.ProbeResult) string {
	return strings.Join([]string{
		string(ep.Scheme),
		ep.Host,
		strconv.Itoa(ep.Port),
		strings.ReplaceAll(ep.Source, delimiter, "_"),
		strconv.FormatBool(r.Success),
		strconv.FormatInt(r.Elapsed.Milliseconds(), 10),
		strconv.FormatInt(r.Latency.Milliseconds(), 10),
		strconv.FormatInt(r.Bytes, 10),
		strconv.FormatFloat(r.Throughput, 'f', 2, 64),
		strconv.FormatInt(r.At.UnixMilli(), 10),
		r.Failure.String(),
	}, delimiter)
}

// formatState 将端点的失败计数和降级状态格式化为一行 @state。
func formatState(e *model.RankedEndpoint) string {
	var demotedAt int64
	if !e.DemotedAt.IsZero() {
		demotedAt = e.DemotedAt.UnixMilli()
	}
	return strings.Join([]string{
		statePrefix,
		string(e.Endpoint.Scheme),
		e.Endpoint.Host,
		strconv.Itoa(e.Endpoint.Port),
		strconv.Itoa(e.ConsecutiveFailures),
		strconv.FormatBool(e.Demoted),
		strconv.FormatInt(demotedAt, 10),
	}, delimiter)
}

// parseState 解析 @state 行的 ConsecutiveFailures|Demoted|DemotedAtUnixMs 部分。
func parseState(e *model.RankedEndpoint, fields []string) error {
	failures, err := strconv.Atoi(fields[0])
	if err != nil || failures < 0 {
		return fmt.Errorf("invalid failure count %q", fields[0])
	}
	demoted, err := strconv.ParseBool(fields[1])
	if err != nil {
		return fmt.Errorf("invalid demoted flag: %w", err)
	}
	demotedAt, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid demoted_at: %w", err)
	}
	e.ConsecutiveFailures = failures
	e.Demoted = demoted
	e.DemotedAt = time.Time{}
	if demotedAt > 0 {
		e.DemotedAt = time.UnixMilli(demotedAt)
	}
	return nil
}

// parseEndpoint 解析 Scheme|Host|Port 三个字段。
func parseEndpoint(fields []string, source string) (model.Endpoint, error) {
	scheme, ok := model.ParseScheme(fields[0])
	if !ok {
		return model.Endpoint{}, fmt.Errorf("invalid scheme %q", fields[0])
	}
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("invalid port: %w", err)
	}
	ep := model.Endpoint{Scheme: scheme, Host: fields[1], Port: port, Source: source}
	if err := ep.Validate(); err != nil {
		return model.Endpoint{}, err
	}
	return ep, nil
}

// parseLine 从字符串切片解析出端点和一次探测结果。
func parseLine(fields []string) (model.Endpoint, model.ProbeResult, error) {
	var r model.ProbeResult

	ep, err := parseEndpoint(fields[:3], fields[3])
	if err != nil {
		return model.Endpoint{}, r, err
	}

	if r.Success, err = strconv.ParseBool(fields[4]); err != nil {
		return ep, r, fmt.Errorf("invalid success: %w", err)
	}
	elapsedMs, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return ep, r, fmt.Errorf("invalid elapsed: %w", err)
	}
	latencyMs, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return ep, r, fmt.Errorf("invalid latency: %w", err)
	}
	if r.Bytes, err = strconv.ParseInt(fields[7], 10, 64); err != nil {
		return ep, r, fmt.Errorf("invalid bytes: %w", err)
	}
	if r.Throughput, err = strconv.ParseFloat(fields[8], 64); err != nil {
		return ep, r, fmt.Errorf("invalid throughput: %w", err)
	}
	atMs, err := strconv.ParseInt(fields[9], 10, 64)
	if err != nil {
		return ep, r, fmt.Errorf("invalid at: %w", err)
	}

	r.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	r.Latency = time.Duration(latencyMs) * time.Millisecond
	r.At = time.UnixMilli(atMs)
	if !r.Success {
		r.Failure = model.ParseFailureKind(fields[10])
		r.Throughput = 0
	}
	return ep, r, nil
}
