package playback

import "math"

// Format is an output device layout.
type Format struct {
	SampleRate int
	Channels   int
}

// Convert maps interleaved samples from one layout to another. speed scales
// playback: 2 plays twice as fast (and an octave higher).
func Convert(samples []int16, from, to Format, speed float64) []int16 {
	if speed <= 0 {
		speed = 1
	}
	mono := remix(samples, from.Channels, 1)
	srcRate := float64(from.SampleRate) * speed
	if int(math.Round(srcRate)) != to.SampleRate {
		mono = resample(mono, srcRate, float64(to.SampleRate))
	}
	return remix(mono, 1, to.Channels)
}

// remix converts between channel counts. Downmixing averages channels.
func remix(samples []int16, from, to int) []int16 {
	if from == to {
		return samples
	}
	frames := len(samples) / from
	out := make([]int16, frames*to)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < from; ch++ {
			sum += int(samples[i*from+ch])
		}
		v := int16(sum / from)
		for ch := 0; ch < to; ch++ {
			out[i*to+ch] = v
		}
	}
	return out
}

// resample is linear interpolation over mono samples.
func resample(samples []int16, from, to float64) []int16 {
	if len(samples) == 0 || from <= 0 || to <= 0 {
		return nil
	}
	n := int(float64(len(samples)) * to / from)
	out := make([]int16, n)
	step := from / to
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(samples[j])*(1-frac) + float64(samples[j+1])*frac)
	}
	return out
}

// Tone returns a sine beep at the given frequency in format f, with short
// linear fades so it starts and ends without a click.
func Tone(f Format, freq float64, durationMs int, amplitude float64) []int16 {
	n := f.SampleRate * durationMs / 1000
	fade := f.SampleRate / 200 // 5ms
	out := make([]int16, n*f.Channels)
	for i := 0; i < n; i++ {
		gain := amplitude
		if i < fade {
			gain *= float64(i) / float64(fade)
		} else if n-i < fade {
			gain *= float64(n-i) / float64(fade)
		}
		v := int16(math.Sin(2*math.Pi*freq*float64(i)/float64(f.SampleRate)) * gain * math.MaxInt16)
		for ch := 0; ch < f.Channels; ch++ {
			out[i*f.Channels+ch] = v
		}
	}
	return out
}

// Silence returns durationMs of zero samples in format f.
func Silence(f Format, durationMs int) []int16 {
	return make([]int16, f.SampleRate*durationMs/1000*f.Channels)
}
