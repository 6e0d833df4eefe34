package scraper

import (
	"context"
	"errors"
	"fmt"

	"outproxy_nexus/proxypool/model"
)

// Scraper 接口定义了从目录服务抓取候选端点的行为。
type Scraper interface {
	// Fetch 执行抓取操作，返回去重后、保持目录顺序的端点列表。
	// 实现者只负责抓取和解析，不进行测试，也不修改选择状态。
	Fetch(ctx context.Context) ([]model.Endpoint, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// FetchKind distinguishes the ways a directory fetch can fail.
type FetchKind int

const (
	FetchNetwork FetchKind = iota
	FetchParse
	FetchEmpty
)

func (k FetchKind) String() string {
	switch k {
	case FetchNetwork:
		return "network"
	case FetchParse:
		return "parse"
	case FetchEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// ErrEmptyDirectory 表示目录可达, 但没有解析出任何端点。
var ErrEmptyDirectory = errors.New("directory returned no endpoints")

// FetchError is returned by Fetch.
type FetchError struct {
	Kind   FetchKind
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsEmpty reports whether err is an empty-directory FetchError.
func IsEmpty(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == FetchEmpty
}
