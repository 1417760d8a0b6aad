package preprocess

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// Spectral gate defaults.
const (
	DefaultPropDecrease  = 0.9
	DefaultFFTSize       = 1024
	DefaultNStdThreshold = 1.5
	DefaultFreqSmoothHz  = 125
	DefaultTimeSmoothMs  = 50
)

// floorDB bounds log magnitudes of silent bins.
const floorDB = -200

// SpectralGate is a stationary spectral noise gate. The noise profile is
// estimated from the signal itself: for each frequency bin the mean and
// standard deviation of the dB magnitude across all STFT frames form a
// threshold, and time-frequency cells below it are attenuated by
// PropDecrease.
//
// A SpectralGate holds no state between calls and is safe for concurrent use.
type SpectralGate struct {
	// PropDecrease is the attenuation applied to noise cells, in [0, 1].
	// 1 removes them entirely, 0 leaves the signal untouched.
	PropDecrease float64

	// FFTSize is the STFT frame length. The hop is FFTSize/4.
	FFTSize int

	// NStdThreshold is how many standard deviations above the per-bin mean a
	// cell must be to count as signal.
	NStdThreshold float64

	// FreqSmoothHz and TimeSmoothMs size the box filter applied to the
	// signal mask. Zero disables smoothing along that axis.
	FreqSmoothHz float64
	TimeSmoothMs float64
}

// NewSpectralGate returns a gate with default parameters and the given
// strength. Strength outside [0, 1] is clamped.
func NewSpectralGate(strength float64) *SpectralGate {
	return &SpectralGate{
		PropDecrease:  min(max(strength, 0), 1),
		FFTSize:       DefaultFFTSize,
		NStdThreshold: DefaultNStdThreshold,
		FreqSmoothHz:  DefaultFreqSmoothHz,
		TimeSmoothMs:  DefaultTimeSmoothMs,
	}
}

// Ensure SpectralGate implements NoiseReducer.
var _ NoiseReducer = (*SpectralGate)(nil)

// Reduce implements NoiseReducer. The output has the same length as samples.
func (g *SpectralGate) Reduce(samples []float32, sampleRate int) ([]float32, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("preprocess: spectral gate: invalid sample rate %d", sampleRate)
	}
	nfft := g.FFTSize
	if nfft < 16 || nfft%4 != 0 {
		return nil, fmt.Errorf("preprocess: spectral gate: invalid FFT size %d", nfft)
	}
	if len(samples) == 0 {
		return samples, nil
	}
	hop := nfft / 4
	bins := nfft/2 + 1

	// Centre frames on the signal edges and pad the tail to a whole hop.
	pad := nfft / 2
	frames := 1 + (len(samples)+2*pad-nfft+hop-1)/hop
	padded := make([]float64, nfft+(frames-1)*hop)
	for i, s := range samples {
		padded[pad+i] = float64(s)
	}

	win := window.Hann(ones(nfft))
	fft := fourier.NewFFT(nfft)

	spec := make([][]complex128, frames)
	db := make([][]float64, frames)
	seg := make([]float64, nfft)
	for f := range frames {
		off := f * hop
		for i := range nfft {
			seg[i] = padded[off+i] * win[i]
		}
		spec[f] = fft.Coefficients(nil, seg)
		db[f] = make([]float64, bins)
		for k, c := range spec[f] {
			db[f][k] = ampToDB(cmplx.Abs(c))
		}
	}

	thresh := noiseThreshold(db, g.NStdThreshold)

	mask := make([][]float64, frames)
	for f := range frames {
		mask[f] = make([]float64, bins)
		for k := range bins {
			if db[f][k] > thresh[k] {
				mask[f][k] = 1
			}
		}
	}
	binHz := float64(sampleRate) / float64(nfft)
	hopMs := 1000 * float64(hop) / float64(sampleRate)
	smoothMask(mask, int(math.Round(g.TimeSmoothMs/hopMs/2)), int(math.Round(g.FreqSmoothHz/binHz/2)))

	keep := 1 - g.PropDecrease
	out := make([]float64, len(padded))
	norm := make([]float64, len(padded))
	for f := range frames {
		for k := range bins {
			spec[f][k] *= complex(mask[f][k]*g.PropDecrease+keep, 0)
		}
		seq := fft.Sequence(seg, spec[f])
		off := f * hop
		for i := range nfft {
			out[off+i] += seq[i] / float64(nfft) * win[i]
			norm[off+i] += win[i] * win[i]
		}
	}

	res := make([]float32, len(samples))
	for i := range res {
		n := norm[pad+i]
		if n < 1e-8 {
			continue
		}
		v := out[pad+i] / n
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("preprocess: spectral gate: non-finite output")
		}
		res[i] = float32(v)
	}
	return res, nil
}

func ones(n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = 1
	}
	return s
}

func ampToDB(a float64) float64 {
	if a <= 0 {
		return floorDB
	}
	return max(20*math.Log10(a), floorDB)
}

// noiseThreshold returns mean + nStd*stddev of each bin across frames.
func noiseThreshold(db [][]float64, nStd float64) []float64 {
	bins := len(db[0])
	n := float64(len(db))
	thresh := make([]float64, bins)
	for k := range bins {
		var sum float64
		for f := range db {
			sum += db[f][k]
		}
		mean := sum / n
		var ss float64
		for f := range db {
			d := db[f][k] - mean
			ss += d * d
		}
		thresh[k] = mean + nStd*math.Sqrt(ss/n)
	}
	return thresh
}

// smoothMask applies a box filter with the given half widths along time and
// frequency, in place.
func smoothMask(mask [][]float64, halfT, halfF int) {
	if halfF > 0 {
		for f := range mask {
			mask[f] = boxFilter(mask[f], halfF)
		}
	}
	if halfT > 0 {
		col := make([]float64, len(mask))
		for k := range mask[0] {
			for f := range mask {
				col[f] = mask[f][k]
			}
			sm := boxFilter(col, halfT)
			for f := range mask {
				mask[f][k] = sm[f]
			}
		}
	}
}

// boxFilter returns the moving average of s over [i-half, i+half], clipped
// at the edges.
func boxFilter(s []float64, half int) []float64 {
	prefix := make([]float64, len(s)+1)
	for i, v := range s {
		prefix[i+1] = prefix[i] + v
	}
	out := make([]float64, len(s))
	for i := range s {
		lo := max(i-half, 0)
		hi := min(i+half+1, len(s))
		out[i] = (prefix[hi] - prefix[lo]) / float64(hi-lo)
	}
	return out
}
