// Package sl содержит вспомогательные функции для работы с логгером slog.
// Основная цель, единообразно формировать структурированные поля лога
// для ошибок и названий операций.
package sl

import "log/slog"

// Err возвращает slog.Attr с ключом "error" и значением текста ошибки.
//
// Пример:
//
//	log.Error("failed to approve payment", sl.Err(err))
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Attr{
		Key:   "error",
		Value: slog.StringValue(err.Error()),
	}
}

// Op возвращает slog.Attr с названием операции в формате "пакет.Функция".
func Op(op string) slog.Attr {
	return slog.String("op", op)
}
