package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Генерация идентификаторов.
//
// OrderID - серверный, монотонный (ULID-подобный): миллисекундный
// таймстемп + монотонный счётчик процесса + случайный хвост.
//
// ClientOrderID - детерминированный ключ идемпотентности: стабильный
// хеш-префикс от полей интента + суффикс запуска. Префикс гарантирует,
// что один и тот же логический интент узнаваем после рестарта; сам ключ
// минтится РОВНО ОДИН РАЗ и фиксируется в журнале событий, поэтому
// повторная подача того же интента разрешается в тот же ордер брокера.

// DecisionBucket - гранулярность decision_ts при выводе ключа:
// решения одного сигнала в пределах корзины считаются одним интентом
const DecisionBucket = time.Minute

var orderSeq atomic.Int64

// NewOrderID генерирует серверный идентификатор ордера
//
// Лексикографический порядок идентификаторов совпадает с порядком создания.
func NewOrderID() string {
	now := time.Now().UTC()
	seq := orderSeq.Add(1)
	return fmt.Sprintf("ord_%013d_%06d_%s", now.UnixMilli(), seq%1000000, uuid.NewString()[:8])
}

// KeyGenerator выводит детерминированные ключи идемпотентности
type KeyGenerator struct {
	// runSuffix различает запуски процесса; узнавание интента
	// после рестарта идёт по стабильному префиксу и журналу событий
	runSuffix string
}

// NewKeyGenerator создаёт генератор ключей для текущего запуска
func NewKeyGenerator() *KeyGenerator {
	return &KeyGenerator{
		runSuffix: strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
	}
}

// ClientOrderID выводит ключ идемпотентности интента
//
// Формат: <hash16>-<run8>, где hash16 - стабильный префикс от
// (strategy_id, signal_id, symbol, side, qty, decision_ts_bucket).
func (g *KeyGenerator) ClientOrderID(strategyID, signalID, symbol, side string, qty decimal.Decimal, decisionTS time.Time) string {
	return g.Prefix(strategyID, signalID, symbol, side, qty, decisionTS) + "-" + g.runSuffix
}

// Prefix возвращает стабильную часть ключа (одинакова между запусками)
func (g *KeyGenerator) Prefix(strategyID, signalID, symbol, side string, qty decimal.Decimal, decisionTS time.Time) string {
	bucket := decisionTS.UTC().Truncate(DecisionBucket).Unix()

	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%d",
		strategyID, signalID, symbol, side, qty.String(), bucket)

	return hex.EncodeToString(h.Sum(nil))[:16]
}

// SamePrefix проверяет, относятся ли два ключа к одному логическому интенту
func SamePrefix(a, b string) bool {
	ap := strings.SplitN(a, "-", 2)[0]
	bp := strings.SplitN(b, "-", 2)[0]
	return ap != "" && ap == bp
}
