package service

import (
	"fmt"

	"debate_engine/internal/models"
)

const FormatTypeCustom = "custom"

// FormatResolver 依房間的 format_type 取得回合表
type FormatResolver struct {
	static       map[string][]models.Turn
	freeTurns    int
	freeDuration int
}

func NewFormatResolver(static map[string][]models.Turn, freeTurns, freeDuration int) *FormatResolver {
	if freeTurns <= 0 {
		freeTurns = 10
	}
	if freeDuration <= 0 {
		freeDuration = 180
	}
	return &FormatResolver{static: static, freeTurns: freeTurns, freeDuration: freeDuration}
}

// Resolve 自訂賽制讀取房間上的 JSON；自由賽制依設定產生正反交替的對稱回合
func (r *FormatResolver) Resolve(room *models.Room) (models.Format, error) {
	var format models.Format
	switch room.FormatType {
	case models.FormatTypeFree:
		format = r.freeFormat()
	case FormatTypeCustom:
		if len(room.CustomFormatSettings) == 0 {
			return models.Format{}, fmt.Errorf("room %d: custom format without settings", room.ID)
		}
		turns, err := models.DecodeTurns(room.CustomFormatSettings)
		if err != nil {
			return models.Format{}, fmt.Errorf("room %d: %w", room.ID, err)
		}
		format = models.Format{Type: FormatTypeCustom, Turns: turns}
	default:
		turns, ok := r.static[room.FormatType]
		if !ok {
			return models.Format{}, fmt.Errorf("room %d: unknown format %q", room.ID, room.FormatType)
		}
		format = models.Format{Type: room.FormatType, Turns: append([]models.Turn(nil), turns...)}
	}
	if err := format.Validate(); err != nil {
		return models.Format{}, err
	}
	return format, nil
}

func (r *FormatResolver) freeFormat() models.Format {
	turns := make([]models.Turn, 0, r.freeTurns)
	speaker := models.SideAffirmative
	for i := 1; i <= r.freeTurns; i++ {
		turns = append(turns, models.Turn{
			Name:     fmt.Sprintf("Free Debate %d", i),
			Speaker:  speaker,
			Duration: r.freeDuration,
		})
		speaker = speaker.Opposite()
	}
	return models.Format{Type: models.FormatTypeFree, Turns: turns}
}

// SpeakerForTurn 第 n 回合的發言方
func SpeakerForTurn(format models.Format, turn int) (models.Side, bool) {
	t, ok := format.Turn(turn)
	if !ok {
		return "", false
	}
	return t.Speaker, true
}
