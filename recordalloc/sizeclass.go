package recordalloc

// numSizeClasses is the fixed number of size-class free lists per
// record-data namespace (§4.4/GLOSSARY "Size class").
const numSizeClasses = 25

// naturalClass and reclassify map a page's free space to a size class 0..24, where
// class c is guaranteed to have at least c*pageSize/numSizeClasses bytes
// free — class 0 is the fullest usable class, class 24 the emptiest.
// Reclassification applies a ~25% hysteresis band around the page's
// current class so a page doesn't flip classes under small edits that
// straddle a band boundary: the natural (no-hysteresis) class only wins
// if it differs from the current one by more than a quarter band's worth
// of free space.
func classMinFree(class int, pageSize int) int {
	return class * pageSize / numSizeClasses
}

func naturalClass(freeSpace, pageSize int) int {
	band := pageSize / numSizeClasses
	if band == 0 {
		return 0
	}
	c := freeSpace / band
	if c >= numSizeClasses {
		c = numSizeClasses - 1
	}
	if c < 0 {
		c = 0
	}
	return c
}

// reclassify recomputes a page's size class given its free space and its
// previous class, applying the hysteresis band.
func reclassify(prevClass int, freeSpace, pageSize int) int {
	natural := naturalClass(freeSpace, pageSize)
	if natural == prevClass {
		return prevClass
	}
	band := pageSize / numSizeClasses
	if band == 0 {
		return natural
	}
	hysteresis := band / 4
	bandStart := classMinFree(prevClass, pageSize)
	bandEnd := bandStart + band
	if freeSpace >= bandStart-hysteresis && freeSpace < bandEnd+hysteresis {
		return prevClass
	}
	return natural
}

// startClassFor returns the smallest class guaranteed to have at least
// need bytes free, or -1 if need exceeds even the emptiest class's
// guarantee (the caller must then fall back to a brand new page).
func startClassFor(need, pageSize int) int {
	for c := 0; c < numSizeClasses; c++ {
		if classMinFree(c, pageSize) >= need {
			return c
		}
	}
	return -1
}
