package stream

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/xilian/equipment-stream/internal/model"
)

// maxFrameSize 单帧最大字节数，full-sync 可能较大
const maxFrameSize = 4 << 20

// WriteFrame 写出一帧 SSE
//
//	event: <type>
//	data: <json>
//	<空行>
func WriteFrame(w io.Writer, event model.StreamEvent) error {
	data, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.Type, err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

// Reader SSE 帧解析
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader 创建帧解析器
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &Reader{scanner: scanner}
}

// Next 读取下一个事件，流结束时返回 io.EOF
//
// 注释行（以冒号开头）和未知字段被忽略；多行 data 以换行拼接。
func (r *Reader) Next() (model.StreamEvent, error) {
	var (
		eventType string
		data      []string
	)
	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if len(data) == 0 {
				eventType = ""
				continue
			}
			event, err := model.DecodeEvent([]byte(strings.Join(data, "\n")))
			if err != nil {
				return model.StreamEvent{}, err
			}
			if eventType != "" && model.EventType(eventType) != event.Type {
				return model.StreamEvent{}, fmt.Errorf("frame event %q carries %q payload", eventType, event.Type)
			}
			return event, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			eventType = value
		case "data":
			data = append(data, value)
		}
	}
	if err := r.scanner.Err(); err != nil {
		return model.StreamEvent{}, err
	}
	return model.StreamEvent{}, io.EOF
}
