package helpers

func Float64Pointer(f float64) *float64 {
	return &f
}

func IntPointer(i int) *int {
	return &i
}

func StringPointer(s string) *string {
	return &s
}
