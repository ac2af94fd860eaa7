// Package geo provides the geospatial math behind the impossible-travel and
// location-clustering detectors.
package geo

import (
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// EarthRadiusKm is the mean Earth radius used by the great-circle formula.
const EarthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers between two
// points. Symmetric, ~0 for identical points, and never takes the long way
// around the date line.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusKm * c
}

// TravelCheck is the outcome of an impossible-travel evaluation.
type TravelCheck struct {
	Impossible       bool    `json:"impossible"`
	DistanceKm       float64 `json:"distanceKm"`
	RequiredSpeedKmh float64 `json:"requiredSpeedKmh"`
	MaxSpeedKmh      float64 `json:"maxSpeedKmh"`
}

// CheckImpossibleTravel compares the speed implied by two geolocated events
// against the configured plausible maximum. Zero distance is never
// impossible; nonzero distance with zero or negative elapsed time is
// impossible with an infinite required speed.
func CheckImpossibleTravel(lat1, lon1, lat2, lon2, elapsedSeconds, maxSpeedKmh float64) TravelCheck {
	dist := Haversine(lat1, lon1, lat2, lon2)

	check := TravelCheck{
		DistanceKm:  dist,
		MaxSpeedKmh: maxSpeedKmh,
	}

	if dist == 0 {
		return check
	}

	if elapsedSeconds <= 0 {
		check.Impossible = true
		check.RequiredSpeedKmh = math.Inf(1)
		return check
	}

	check.RequiredSpeedKmh = dist / (elapsedSeconds / 3600)
	check.Impossible = check.RequiredSpeedKmh > maxSpeedKmh
	return check
}

// ClusterResult holds the outcome of density-based clustering.
type ClusterResult struct {
	Clusters [][]domain.GeoPoint `json:"clusters"`
	Noise    []domain.GeoPoint   `json:"noise"`
	Count    int                 `json:"clusterCount"`
}

// ClusterLocations groups a location history into density-based clusters
// (DBSCAN). Points within radiusKm of at least minPoints-1 others form
// clusters; the rest are noise. Input beyond maxInput points is truncated
// before clustering.
func ClusterLocations(points []domain.GeoPoint, radiusKm float64, minPoints, maxInput int) ClusterResult {
	if maxInput > 0 && len(points) > maxInput {
		points = points[:maxInput]
	}

	n := len(points)
	result := ClusterResult{}
	if n == 0 {
		return result
	}

	const (
		unvisited = 0
		noise     = -1
	)
	labels := make([]int, n) // 0 unvisited, -1 noise, >0 cluster id
	nextCluster := 0

	neighborsOf := func(i int) []int {
		var nb []int
		for j := 0; j < n; j++ {
			if Haversine(points[i].Lat, points[i].Lon, points[j].Lat, points[j].Lon) <= radiusKm {
				nb = append(nb, j)
			}
		}
		return nb
	}

	for i := 0; i < n; i++ {
		if labels[i] != unvisited {
			continue
		}

		nb := neighborsOf(i)
		if len(nb) < minPoints {
			labels[i] = noise
			continue
		}

		nextCluster++
		labels[i] = nextCluster

		// Expand the cluster through density-reachable points.
		queue := append([]int(nil), nb...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]

			if labels[j] == noise {
				labels[j] = nextCluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = nextCluster

			jnb := neighborsOf(j)
			if len(jnb) >= minPoints {
				queue = append(queue, jnb...)
			}
		}
	}

	clusters := make([][]domain.GeoPoint, nextCluster)
	for i, label := range labels {
		switch {
		case label > 0:
			clusters[label-1] = append(clusters[label-1], points[i])
		default:
			result.Noise = append(result.Noise, points[i])
		}
	}

	result.Clusters = clusters
	result.Count = nextCluster
	return result
}

// ClusterCenter returns the arithmetic centroid of a point set.
func ClusterCenter(points []domain.GeoPoint) domain.GeoPoint {
	if len(points) == 0 {
		return domain.GeoPoint{}
	}
	var lat, lon float64
	for _, p := range points {
		lat += p.Lat
		lon += p.Lon
	}
	return domain.GeoPoint{
		Lat: lat / float64(len(points)),
		Lon: lon / float64(len(points)),
	}
}

// NearestCluster is the outcome of a nearest-cluster distance check.
type NearestCluster struct {
	ClusterID      int     `json:"nearestClusterId"` // -1 when no clusters
	DistanceKm     float64 `json:"distanceKm"`
	OutsideCluster bool    `json:"outsideCluster"`
}

// DistanceToNearestCluster measures how far a point is from the centroid of
// its nearest cluster. An empty cluster list yields an infinite distance and
// outside_cluster = true; a distance beyond thresholdKm also marks the point
// as outside.
func DistanceToNearestCluster(lat, lon float64, clusters [][]domain.GeoPoint, thresholdKm float64) NearestCluster {
	nearest := NearestCluster{
		ClusterID:  -1,
		DistanceKm: math.Inf(1),
	}

	for id, cluster := range clusters {
		if len(cluster) == 0 {
			continue
		}
		center := ClusterCenter(cluster)
		d := Haversine(lat, lon, center.Lat, center.Lon)
		if d < nearest.DistanceKm {
			nearest.DistanceKm = d
			nearest.ClusterID = id
		}
	}

	nearest.OutsideCluster = nearest.ClusterID == -1 || nearest.DistanceKm > thresholdKm
	return nearest
}
