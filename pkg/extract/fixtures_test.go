package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const nonSpinOUTCAR = ` vasp.6.3.0 18Jan22 (build Feb 10 2022) complex
 POTCAR:    PAW_PBE Si 05Jan2001
   POMASS =   28.085; ZVAL   =    4.000    mass and valenz
   ions per type =               7   1
   NELECT =      35.0000    total number of electrons

  Mass of Ions in am
   POMAS  =  28.09 16.00
  Ionic Valenz
   ZVAL   =   4.00  6.00

  Ewald energy   TEWEN  =      -900.00000000
  energy  without entropy=     -42.00000000  energy(sigma->0) =     -42.50000000

 average (electrostatic) potential at core
  the test charge radii are     0.9748  0.7215
  (the norm of the test charge is              1.0000)
      1 -83.3001      2 -83.3002      3 -83.3003      4 -83.3004      5 -83.3005
      6 -83.3006      7 -83.3007      8 -70.1008

  Ewald energy   TEWEN  =      -826.66479096
  energy  without entropy=     -43.39370883  energy(sigma->0) =     -43.40506112

 E-fermi :   5.2296     XC(G=0):  -8.7549     alpha+bet : -6.9613


 k-point     1 :       0.0000    0.0000    0.0000
  band No.  band energies     occupation
      1      -5.8015      2.00000
      2       4.1000      2.00000
      3       6.2273      0.00000
      4       7.0000      0.00000

 k-point     2 :       0.5000    0.0000    0.0000
  band No.  band energies     occupation
      1      -4.0000      2.00000
      2       4.6000      2.00000
      3       5.9000      0.00000
      4       8.0000      0.00000

 --------------------------------------------------------------------------------------------------------
                  Total CPU time used (sec):      123.456
`

const spinOUTCAR = `   NELECT =      16.0000    total number of electrons
 E-fermi :   4.0000     XC(G=0):  -8.7549     alpha+bet : -6.9613


 spin component 1

 k-point     1 :       0.0000    0.0000    0.0000
  band No.  band energies     occupation
      1      -5.0000      1.00000
      2       3.0000      1.00000
      3       6.0000      0.00000

 spin component 2

 k-point     1 :       0.0000    0.0000    0.0000
  band No.  band energies     occupation
      1      -5.0000      1.00000
      2       2.5000      1.00000
      3       5.0000      0.00000

 --------------------------------------------------------------------------------------------------------
`

const sampleOSZICAR = `       N       E                     dE             d eps       ncg     rms          rms(c)
DAV:   1    -0.434050611E+02   -0.43405E+02   -0.12345E+03   160   0.123E+02
   1 F= -.43405061E+02 E0= -.43405061E+02  d E =-.434051E+02  mag=     1.5000
   2 F= -.43405061E+02 E0= -.43405061E+02  d E =-.434051E+02  mag=     2.0000
`

// writeJobDir creates a directory holding the given report files.
func writeJobDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return dir
}
