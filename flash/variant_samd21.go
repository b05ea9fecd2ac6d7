//go:build !samd51

package flash

// DefaultVariant is the part this binary was built for
var DefaultVariant Variant = SAMD21{}
