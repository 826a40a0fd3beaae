package llm

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// readSSE 逐行读取 text/event-stream，把每个 data 负载交给 onData。
// 遇到 [DONE] 或 EOF 时正常结束。
func readSSE(body io.Reader, onData func(data string) error) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if line != "" && strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return nil
			}
			if data != "" {
				if cbErr := onData(data); cbErr != nil {
					return cbErr
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read from stream: %w", err)
		}
	}
}
