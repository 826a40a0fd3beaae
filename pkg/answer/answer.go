// Package answer 提供用于比较多个模型回答的轻量启发式：
// 归一化文本、抽取数字，并判断两个回答的结论是否一致。
package answer

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// 逗号后恰好三位数字才视为千分位；RE2 不支持断言，用 (\D|$) 模拟边界
	thousandsSep = regexp.MustCompile(`(\d),(\d{3})(\D|$)`)
	numberRe     = regexp.MustCompile(`[-+]?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)
	spaceRe      = regexp.MustCompile(`\s+`)

	// NFKC 不会处理的减号变体
	minusReplacer = strings.NewReplacer("−", "-", "‒", "-", "–", "-")
)

// Normalize 将全角字符折叠为半角（NFKC），统一减号并去掉千分位逗号。
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = minusReplacer.Replace(s)
	// 1,234,567 需要替换两轮才能全部去掉
	for {
		next := thousandsSep.ReplaceAllString(s, "$1$2$3")
		if next == s {
			break
		}
		s = next
	}
	return strings.TrimSpace(s)
}

// ExtractNumbers 返回文本中按出现顺序排列的全部数字，已规范化为最短表示。
func ExtractNumbers(s string) []string {
	raw := numberRe.FindAllString(Normalize(s), -1)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		out = append(out, canonical(r))
	}
	return out
}

// FinalNumber 返回文本中最后出现的数字，通常就是回答的结论。
func FinalNumber(s string) (string, bool) {
	nums := ExtractNumbers(s)
	if len(nums) == 0 {
		return "", false
	}
	return nums[len(nums)-1], true
}

// Equivalent 判断两个回答是否给出相同结论。
// 两者都含数字时比较最后一个数字，否则比较归一化后的文本。
func Equivalent(a, b string) bool {
	na, okA := FinalNumber(a)
	nb, okB := FinalNumber(b)
	if okA && okB {
		return na == nb
	}
	return foldText(a) == foldText(b)
}

// Agree 在至少两个回答且全部与第一个等价时返回 true。
func Agree(answers []string) bool {
	if len(answers) < 2 {
		return false
	}
	for _, a := range answers[1:] {
		if !Equivalent(answers[0], a) {
			return false
		}
	}
	return true
}

func canonical(num string) string {
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return strings.TrimPrefix(num, "+")
	}
	if f == 0 {
		return "0"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func foldText(s string) string {
	return strings.ToLower(spaceRe.ReplaceAllString(Normalize(s), " "))
}
