package imaging

import "image"

// autocontrast stretches each channel so its darkest value maps to 0 and its
// brightest to 255.
func autocontrast(img *image.RGBA) {
	hist := histograms(img)
	var luts [3][256]uint8
	for c := 0; c < 3; c++ {
		lo, hi := 0, 255
		for lo < 256 && hist[c][lo] == 0 {
			lo++
		}
		for hi >= 0 && hist[c][hi] == 0 {
			hi--
		}
		if hi <= lo {
			luts[c] = identity()
			continue
		}
		scale := 255.0 / float64(hi-lo)
		offset := -float64(lo) * scale
		for i := 0; i < 256; i++ {
			luts[c][i] = clamp(int(float64(i)*scale + offset))
		}
	}
	apply(img, luts)
}

// equalize flattens the histogram of each channel.
func equalize(img *image.RGBA) {
	hist := histograms(img)
	var luts [3][256]uint8
	for c := 0; c < 3; c++ {
		var used []int
		for _, v := range hist[c] {
			if v != 0 {
				used = append(used, v)
			}
		}
		if len(used) <= 1 {
			luts[c] = identity()
			continue
		}
		total := 0
		for _, v := range used {
			total += v
		}
		step := (total - used[len(used)-1]) / 255
		if step == 0 {
			luts[c] = identity()
			continue
		}
		n := step / 2
		for i := 0; i < 256; i++ {
			luts[c][i] = clamp(n / step)
			n += hist[c][i]
		}
	}
	apply(img, luts)
}

func histograms(img *image.RGBA) [3][256]int {
	var hist [3][256]int
	for i := 0; i+3 < len(img.Pix); i += 4 {
		hist[0][img.Pix[i]]++
		hist[1][img.Pix[i+1]]++
		hist[2][img.Pix[i+2]]++
	}
	return hist
}

func apply(img *image.RGBA, luts [3][256]uint8) {
	for i := 0; i+3 < len(img.Pix); i += 4 {
		img.Pix[i] = luts[0][img.Pix[i]]
		img.Pix[i+1] = luts[1][img.Pix[i+1]]
		img.Pix[i+2] = luts[2][img.Pix[i+2]]
	}
}

func identity() [256]uint8 {
	var lut [256]uint8
	for i := range lut {
		lut[i] = uint8(i)
	}
	return lut
}

func clamp(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
