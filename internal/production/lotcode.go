package production

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/odyssey-erp/foodops/internal/inventory"
)

const maxLotCodeSuffix = 999

// LotCodeBase renders FG-YYYYMMDD-SKU for the given manufacture date.
func LotCodeBase(at time.Time, sku string) string {
	normalized := strings.Join(strings.Fields(cases.Upper(language.Und).String(sku)), "-")
	return fmt.Sprintf("FG-%s-%s", at.Format("20060102"), normalized)
}

// NextLotCode returns the base code, or the base with the first free -N
// suffix when the base is taken.
func NextLotCode(ctx context.Context, exists func(context.Context, string) (bool, error), at time.Time, sku string) (string, error) {
	base := LotCodeBase(at, sku)
	code := base
	for n := 2; ; n++ {
		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check lot code %s: %w", code, err)
		}
		if !taken {
			return code, nil
		}
		if n > maxLotCodeSuffix {
			return "", fmt.Errorf("%w: %s", inventory.ErrLotCodeExhausted, base)
		}
		code = fmt.Sprintf("%s-%d", base, n)
	}
}
