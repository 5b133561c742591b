package dvid

import (
	"os"
	"path/filepath"
	"testing"

	. "github.com/janelia-flyem/go/gocheck"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type DataSuite struct{}

var _ = Suite(&DataSuite{})

func (s *DataSuite) TestPoint3d(c *C) {
	a := Point3d{10, 21, 837821}
	b := Point3d{78312, -200, 40123}
	result := a.Add(b)
	c.Assert(result.Value(0), Equals, a[0]+b[0])
	c.Assert(result.Value(1), Equals, a[1]+b[1])
	c.Assert(result.Value(2), Equals, a[2]+b[2])

	result = a.Sub(b)
	c.Assert(result.Value(0), Equals, a[0]-b[0])
	c.Assert(result.Value(1), Equals, a[1]-b[1])
	c.Assert(result.Value(2), Equals, a[2]-b[2])

	c.Assert(Point3d{2, 3, 4}.Mult(Point3d{5, 6, 7}), Equals, Point3d{10, 18, 28})
	c.Assert(Point3d{-1, 63, 64}.Div(Point3d{64, 64, 64}), Equals, Point3d{-1, 0, 1})
	c.Assert(Point3d{100, 64, 1}.DivCeil(Point3d{64, 64, 64}), Equals, Point3d{2, 1, 1})
	c.Assert(Point3d{1000, 1000, 1000}.Prod(), Equals, int64(1000000000))

	c.Assert(a.String(), Equals, "(10,21,837821)")
	c.Assert(a.Colon(), Equals, "10:21:837821")
}

func (s *DataSuite) TestPoint3dOrder(c *C) {
	c.Assert(Point3d{5, 0, 0}.Less(Point3d{0, 1, 0}), Equals, true)
	c.Assert(Point3d{0, 9, 0}.Less(Point3d{0, 0, 1}), Equals, true)
	c.Assert(Point3d{1, 1, 1}.Less(Point3d{1, 1, 1}), Equals, false)

	extent := Point3d{256, 256, 10}
	c.Assert(Point3d{0, 0, 0}.Inside(extent), Equals, true)
	c.Assert(Point3d{255, 255, 9}.Inside(extent), Equals, true)
	c.Assert(Point3d{0, 0, 10}.Inside(extent), Equals, false)
	c.Assert(Point3d{-1, 0, 0}.Inside(extent), Equals, false)
}

func (s *DataSuite) TestStringToPoint(c *C) {
	p, err := StringToPoint3d("64, 128,256", ",")
	c.Assert(err, IsNil)
	c.Assert(p, Equals, Point3d{64, 128, 256})

	_, err = StringToPoint3d("64,128", ",")
	c.Assert(err, NotNil)
	_, err = StringToPoint3d("64,x,2", ",")
	c.Assert(err, NotNil)

	f, err := StringToNdFloat64("8,8.5,40", ",")
	c.Assert(err, IsNil)
	c.Assert(f, DeepEquals, []float64{8, 8.5, 40})
}

func (s *DataSuite) TestCommand(c *C) {
	cmd := Command{"prepare", "/state", "cubesize=32,32,32", "/a.tif", "/b.tif"}
	c.Assert(cmd.Name(), Equals, "prepare")
	value, found := cmd.Setting("cubesize")
	c.Assert(found, Equals, true)
	c.Assert(value, Equals, "32,32,32")
	_, found = cmd.Setting("resolution")
	c.Assert(found, Equals, false)

	var dir string
	overflow := cmd.CommandArgs(1, &dir)
	c.Assert(dir, Equals, "/state")
	c.Assert(overflow, DeepEquals, []string{"/a.tif", "/b.tif"})
}

func (s *DataSuite) TestFilename(c *C) {
	c.Assert(Filename("slice0001.TIFF").HasExtensionPrefix("tif"), Equals, true)
	c.Assert(Filename("slice0001.png").HasExtensionPrefix("tif", "png"), Equals, true)
	c.Assert(Filename("slice0001.ctile").HasExtensionPrefix("tif"), Equals, false)
}

func (s *DataSuite) TestWriteFileAtomic(c *C) {
	dir, err := os.MkdirTemp("", "dvid-utils")
	c.Assert(err, IsNil)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "cache")
	c.Assert(WriteFileAtomic(path, []byte("first"), 0644), IsNil)
	c.Assert(WriteFileAtomic(path, []byte("second"), 0644), IsNil)
	data, err := os.ReadFile(path)
	c.Assert(err, IsNil)
	c.Assert(string(data), Equals, "second")

	entries, err := os.ReadDir(dir)
	c.Assert(err, IsNil)
	c.Assert(len(entries), Equals, 1)

	abs, err := ConvertToAbsolute("logs/x.log", dir)
	c.Assert(err, IsNil)
	c.Assert(abs, Equals, filepath.Join(dir, "logs/x.log"))
	abs, err = ConvertToAbsolute("/var/x.log", dir)
	c.Assert(err, IsNil)
	c.Assert(abs, Equals, "/var/x.log")
}

func (s *DataSuite) TestLogMode(c *C) {
	defer SetLogMode(LogMode())
	SetLogMode(WarningMode)
	c.Assert(enabled(InfoMode), Equals, false)
	c.Assert(enabled(ErrorMode), Equals, true)
	SetLogMode(SilentMode)
	c.Assert(enabled(CriticalMode), Equals, false)
}
