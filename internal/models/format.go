package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Side 表示發言方（正方 / 反方）
type Side string

const (
	SideAffirmative Side = "affirmative"
	SideNegative    Side = "negative"
)

// Valid 是否為已知的立場
func (s Side) Valid() bool {
	return s == SideAffirmative || s == SideNegative
}

// Opposite 回傳另一方
func (s Side) Opposite() Side {
	if s == SideAffirmative {
		return SideNegative
	}
	return SideAffirmative
}

const FormatTypeFree = "free"

// Turn 賽制中的單一回合
type Turn struct {
	Name        string `json:"name" mapstructure:"name"`
	Speaker     Side   `json:"speaker" mapstructure:"speaker"`
	Duration    int    `json:"duration" mapstructure:"duration"` // 秒
	IsPrepTime  bool   `json:"is_prep_time" mapstructure:"is_prep_time"`
	IsQuestions bool   `json:"is_questions" mapstructure:"is_questions"`
}

// Format 回合編號從 1 開始的有序回合表，辯論開始後不可變
type Format struct {
	Type  string `json:"type"`
	Turns []Turn `json:"turns"`
}

// Len 回合總數
func (f Format) Len() int {
	return len(f.Turns)
}

// Turn 取得第 n 回合（1-based）
func (f Format) Turn(n int) (Turn, bool) {
	if n < 1 || n > len(f.Turns) {
		return Turn{}, false
	}
	return f.Turns[n-1], true
}

// IsFree 是否為自由賽制（唯一允許提前結束的賽制）
func (f Format) IsFree() bool {
	return f.Type == FormatTypeFree
}

// Validate 每一回合都必須有合法的發言方與正數時長
func (f Format) Validate() error {
	if len(f.Turns) == 0 {
		return fmt.Errorf("format %q has no turns", f.Type)
	}
	for i, t := range f.Turns {
		if !t.Speaker.Valid() {
			return fmt.Errorf("format %q turn %d: invalid speaker %q", f.Type, i+1, t.Speaker)
		}
		if t.Duration <= 0 {
			return fmt.Errorf("format %q turn %d: duration must be positive", f.Type, i+1)
		}
	}
	return nil
}

// DecodeTurns 解析房間自訂賽制，接受陣列或以回合編號為鍵的物件
func DecodeTurns(raw []byte) ([]Turn, error) {
	var list []Turn
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var keyed map[string]Turn
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, fmt.Errorf("decode custom format: %w", err)
	}
	numbers := make([]int, 0, len(keyed))
	byNumber := make(map[int]Turn, len(keyed))
	for k, t := range keyed {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("decode custom format: turn key %q is not a number", k)
		}
		numbers = append(numbers, n)
		byNumber[n] = t
	}
	sort.Ints(numbers)
	turns := make([]Turn, 0, len(numbers))
	for _, n := range numbers {
		turns = append(turns, byNumber[n])
	}
	return turns, nil
}
