package logger

import (
	"io"
	"log"
	"strings"
	"sync"
)

// 中文说明：
// Vision 请求/响应转储：排查模型抽取问题时，把发给视觉模型的提示词与
// 原始回复落到独立日志文件，避免污染主日志。

var (
	visionMu   sync.Mutex
	visionLog  *log.Logger
	dumpImages bool
)

func SetVisionWriter(w io.Writer) {
	visionMu.Lock()
	defer visionMu.Unlock()
	if w == nil {
		visionLog = nil
		return
	}
	visionLog = log.New(w, "", log.LstdFlags)
}

// EnableVisionImageDump 控制是否连同图片 data URL 一起落盘（体积大，默认关）。
func EnableVisionImageDump(enabled bool) {
	visionMu.Lock()
	dumpImages = enabled
	visionMu.Unlock()
}

type visionSection struct {
	title string
	body  string
}

func logVision(kind, model string, sections []visionSection) {
	visionMu.Lock()
	l := visionLog
	visionMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[VISION][")
	b.WriteString(kind)
	b.WriteString("]")
	if model != "" {
		b.WriteString("[")
		b.WriteString(model)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		b.WriteString("--- ")
		b.WriteString(sec.title)
		b.WriteString(" ---\n")
		b.WriteString(sec.body)
		if !strings.HasSuffix(sec.body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	l.Print(b.String())
}

func LogVisionRequest(model, prompt, imageRef string) {
	sections := []visionSection{{title: "PROMPT", body: prompt}}
	visionMu.Lock()
	withImages := dumpImages
	visionMu.Unlock()
	if withImages && imageRef != "" {
		sections = append(sections, visionSection{title: "IMAGE", body: imageRef})
	}
	logVision("request", model, sections)
}

func LogVisionResponse(model, raw string) {
	logVision("response", model, []visionSection{{title: "RAW", body: raw}})
}
