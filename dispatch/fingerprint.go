package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/BaSui01/nlpgate/types"
)

// fingerprintPayload 指纹的规范化投影
// 只包含影响后端输出的字段；请求 id、优先级、客户端元数据一律排除。
// 字段按声明顺序序列化，保证字节级确定性。
type fingerprintPayload struct {
	TaskType       string   `json:"task_type"`
	Text           string   `json:"text"`
	Context        string   `json:"context,omitempty"`
	TargetLanguage string   `json:"target_language,omitempty"`
	Categories     []string `json:"categories,omitempty"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Temperature    float64  `json:"temperature,omitempty"`
	TopP           float64  `json:"top_p,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
	RepetitionPen  float64  `json:"repetition_penalty,omitempty"`
}

// Fingerprint 计算请求的确定性缓存键
// 规范化规则：
//   - 仅对大小写不敏感的字段（目标语言、分类类别）做 lower+trim；
//     生成类 prompt 的空白和大小写影响输出，绝不触碰。
//   - 浮点参数四舍五入到 4 位小数，避免无意义的浮点噪声打散缓存。
//   - NER 不消费生成参数，投影时整体省略。
//
// 对任何通过校验的请求都不会失败；畸形请求在上游被拒绝。
func Fingerprint(req *types.TaskRequest) (string, error) {
	payload := fingerprintPayload{
		TaskType: string(req.TaskType),
		Text:     req.Text,
		Context:  req.Context,
	}

	if req.TargetLanguage != "" {
		payload.TargetLanguage = strings.ToLower(strings.TrimSpace(req.TargetLanguage))
	}
	if len(req.Categories) > 0 {
		payload.Categories = make([]string, len(req.Categories))
		for i, c := range req.Categories {
			payload.Categories[i] = strings.ToLower(strings.TrimSpace(c))
		}
	}

	if req.TaskType.GenerationFamily() {
		payload.MaxTokens = req.Params.MaxTokens
		payload.Temperature = roundParam(req.Params.Temperature)
		payload.TopP = roundParam(req.Params.TopP)
		payload.TopK = req.Params.TopK
		payload.RepetitionPen = roundParam(req.Params.RepetitionPenalty)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal fingerprint payload: %w", err)
	}

	digest := sha256.Sum256(data)
	return string(req.TaskType) + ":" + hex.EncodeToString(digest[:16]), nil
}

// roundParam 四舍五入到 4 位小数
func roundParam(v float64) float64 {
	return math.Round(v*10000) / 10000
}
