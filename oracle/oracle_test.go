package oracle

import (
	"errors"
	"math/big"
	"testing"
)

func TestSetAndGetPrice(t *testing.T) {
	o := NewStaticOracle()
	if err := o.Set("eth", big.NewInt(3000)); err != nil {
		t.Fatalf("set: %v", err)
	}

	price, err := o.GetAssetPrice("ETH")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price.Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("unexpected price: %s", price)
	}

	// Returned value must be a copy.
	price.SetInt64(1)
	again, err := o.GetAssetPrice("eth")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Cmp(big.NewInt(3000)) != 0 {
		t.Fatalf("stored price mutated through returned value: %s", again)
	}
}

func TestSetDecimal(t *testing.T) {
	o := NewStaticOracle()
	if err := o.SetDecimal("DAI", "0.0005"); err != nil {
		t.Fatalf("set decimal: %v", err)
	}
	price, err := o.GetAssetPrice("DAI")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want, _ := new(big.Int).SetString("500000000000000", 10)
	if price.Cmp(want) != 0 {
		t.Fatalf("unexpected price: got %s want %s", price, want)
	}
}

func TestMissingPriceIsFatal(t *testing.T) {
	o := NewStaticOracle()
	if _, err := o.GetAssetPrice("GHOST"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestRejectsNonPositivePrices(t *testing.T) {
	o := NewStaticOracle()
	if err := o.Set("ETH", big.NewInt(0)); err == nil {
		t.Fatalf("expected error for zero price")
	}
	if err := o.SetDecimal("ETH", "-1"); err == nil {
		t.Fatalf("expected error for negative price")
	}
}
