package ingest

import (
	"context"

	"papertrade/internal/models"
)

// Контракт поставщика рыночных баров.
//
// Адаптеры данных - внешние коллаборанты: контур исполнения видит
// только канал баров. Один цикл приёма на источник.

// BarSource - источник баров
type BarSource interface {
	// Bars возвращает канал баров; закрывается по завершении Run
	Bars() <-chan *models.Bar

	// Run качает бары до отмены контекста
	Run(ctx context.Context) error
}
