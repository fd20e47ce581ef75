package flicker

// eiaj is the JEITA (EIAJ) perceptual weighting per Hz from 0 to 63 Hz.
var eiaj = [64]float64{
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1,
	1, 0.970795, 0.941589, 0.912384, 0.883178, 0.853973, 0.824768, 0.795562, 0.766357, 0.737151,
	0.707946, 0.687270, 0.666594, 0.645918, 0.625242, 0.604567, 0.583891, 0.563215, 0.542539, 0.521863,
	0.501187, 0.476517, 0.451847, 0.427178, 0.402508, 0.377838, 0.353168, 0.328498, 0.303829, 0.279159,
	0.251189, 0.227070, 0.202951, 0.178832, 0.154713, 0.130595, 0.106476, 0.082357, 0.058238, 0.034119,
	0.010000, 0.005158, 0.000316, 0,
}

// jeitaCutoff is where the weighting is treated as zero.
const jeitaCutoff = 62

// jeitaWeight interpolates the weighting at hz. It returns 0 from 62 Hz up.
func jeitaWeight(hz float64) float64 {
	if hz < 0 || hz >= jeitaCutoff {
		return 0
	}
	return tableAt(eiaj[:], hz)
}

// tableAt reads a per-Hz table at a fractional frequency, stepping back from
// v[i+1] toward v[i], so an integer hz reads v[hz+1]. The caller keeps
// int(hz)+1 in range.
func tableAt(v []float64, hz float64) float64 {
	i := int(hz)
	frac := hz - float64(i)
	return (v[i]-v[i+1])*frac + v[i+1]
}
